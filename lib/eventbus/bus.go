// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Type names an event. Use the constructors in events.go rather than
// building strings at call sites.
type Type string

// Listener handles one dispatched event. Listeners run sequentially;
// a returned error is logged and collected but does not stop dispatch
// to lower-priority listeners.
type Listener func(ctx context.Context, payload any) error

type registration struct {
	id       int
	priority int
	fn       Listener
}

// Bus is a typed publish/subscribe bus with priority-ordered
// dispatch. Listeners for one event type are invoked in descending
// priority order, each awaited before the next, so side effects of a
// high-priority listener (say, decrypting a room key) are visible to
// lower-priority ones (rendering the message).
//
// Listeners within the same priority have no defined order.
type Bus struct {
	mu         sync.Mutex
	logger     *slog.Logger
	listeners  map[Type][]*registration
	nextID     int
	onShutdown []func()
	shutdown   bool
}

// New creates a bus. A nil logger discards.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		logger:    logger,
		listeners: make(map[Type][]*registration),
	}
}

// AddListener registers fn for eventType at the given priority (higher
// runs first). The returned function removes the registration; it is
// idempotent.
func (b *Bus) AddListener(eventType Type, fn Listener, priority int) func() {
	b.mu.Lock()
	reg := &registration{id: b.nextID, priority: priority, fn: fn}
	b.nextID++

	// Insert keeping the slice sorted by descending priority. Equal
	// priorities keep insertion order, which callers must not rely on.
	regs := b.listeners[eventType]
	position := len(regs)
	for i, existing := range regs {
		if existing.priority < priority {
			position = i
			break
		}
	}
	regs = append(regs, nil)
	copy(regs[position+1:], regs[position:])
	regs[position] = reg
	b.listeners[eventType] = regs
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeListener(eventType, reg.id) })
	}
}

func (b *Bus) removeListener(eventType Type, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[eventType]
	for i, reg := range regs {
		if reg.id == id {
			b.listeners[eventType] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(b.listeners[eventType]) == 0 {
		delete(b.listeners, eventType)
	}
}

// Dispatch delivers payload to every listener for eventType, strictly
// sequentially in descending priority order. Listener errors are
// logged, collected, and joined into the return value; dispatch always
// reaches every listener.
func (b *Bus) Dispatch(ctx context.Context, eventType Type, payload any) error {
	b.mu.Lock()
	regs := make([]*registration, len(b.listeners[eventType]))
	copy(regs, b.listeners[eventType])
	b.mu.Unlock()

	var errs []error
	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := reg.fn(ctx, payload); err != nil {
			b.logger.Warn("event listener failed",
				"event", string(eventType),
				"priority", reg.priority,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListenerCount reports the number of listeners for eventType.
func (b *Bus) ListenerCount(eventType Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[eventType])
}

// OnShutdown registers fn to run during Shutdown. Forwarded bindings
// use this to release their external resources when the connection
// goes away.
func (b *Bus) OnShutdown(fn func()) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		fn()
		return
	}
	b.onShutdown = append(b.onShutdown, fn)
	b.mu.Unlock()
}

// Shutdown runs the registered shutdown hooks in reverse registration
// order. Idempotent. Dispatch still works afterwards (teardown paths
// emit events), but external bindings are gone.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	hooks := b.onShutdown
	b.onShutdown = nil
	b.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

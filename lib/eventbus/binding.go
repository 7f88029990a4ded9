// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"fmt"
	"sync"
)

// SetupFunc activates an external resource for one event type — for
// the realtime transport, subscribing the corresponding server
// channel — and returns the matching teardown.
type SetupFunc func(eventType Type) (teardown func(), err error)

// ForwardedBinding ties the lifecycle of an external subscription to
// the presence of listeners. The first listener added for an event
// type runs the setup callback; the teardown it returns runs when the
// last listener for that type unsubscribes, or when the bus shuts
// down, whichever comes first.
//
// This is how realtime channel subscriptions stay reference-counted:
// a room's private channel is joined while anything on the client
// observes it and left as soon as nothing does.
type ForwardedBinding struct {
	bus   *Bus
	setup SetupFunc

	mu     sync.Mutex
	counts map[Type]int
	tears  map[Type]func()
	closed bool
}

// NewForwardedBinding creates a binding on bus. The binding registers
// itself for teardown at bus shutdown.
func NewForwardedBinding(bus *Bus, setup SetupFunc) *ForwardedBinding {
	binding := &ForwardedBinding{
		bus:    bus,
		setup:  setup,
		counts: make(map[Type]int),
		tears:  make(map[Type]func()),
	}
	bus.OnShutdown(binding.Close)
	return binding
}

// AddListener registers fn on the bus and activates the external
// resource for eventType if this is its first listener. If setup
// fails, the listener is not registered and the error is returned.
func (f *ForwardedBinding) AddListener(eventType Type, fn Listener, priority int) (func(), error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("eventbus: binding is closed")
	}
	if f.counts[eventType] == 0 {
		teardown, err := f.setup(eventType)
		if err != nil {
			f.mu.Unlock()
			return nil, fmt.Errorf("eventbus: activating %q: %w", eventType, err)
		}
		f.tears[eventType] = teardown
	}
	f.counts[eventType]++
	f.mu.Unlock()

	removeFromBus := f.bus.AddListener(eventType, fn, priority)

	var once sync.Once
	remove := func() {
		once.Do(func() {
			removeFromBus()
			f.release(eventType)
		})
	}
	return remove, nil
}

func (f *ForwardedBinding) release(eventType Type) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.counts[eventType]--
	var teardown func()
	if f.counts[eventType] <= 0 {
		delete(f.counts, eventType)
		teardown = f.tears[eventType]
		delete(f.tears, eventType)
	}
	f.mu.Unlock()

	if teardown != nil {
		teardown()
	}
}

// Close tears down every active external subscription. Idempotent;
// runs automatically at bus shutdown.
func (f *ForwardedBinding) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	tears := make([]func(), 0, len(f.tears))
	for _, teardown := range f.tears {
		tears = append(tears, teardown)
	}
	f.tears = nil
	f.counts = nil
	f.mu.Unlock()

	for _, teardown := range tears {
		teardown()
	}
}

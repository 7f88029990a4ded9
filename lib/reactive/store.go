// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package reactive

import (
	"sync"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
)

// GraceDelay is how long a store survives with zero subscribers before
// its cleanup callbacks run. UI code frequently unsubscribes and
// resubscribes within the same render pass; the delay keeps the store
// (and whatever external resources its cleanups would release) alive
// across that churn.
const GraceDelay = 250 * time.Millisecond

// Store is a value cell with subscription. Set stores a value and
// synchronously notifies all current subscribers; Get returns the last
// value (the zero value if never set).
//
// Cleanup callbacks registered with OnCleanup run once the last
// subscriber unsubscribes and [GraceDelay] elapses without a new
// subscription.
//
// Store is safe for concurrent use.
type Store[T any] struct {
	mu          sync.Mutex
	clk         clock.Clock
	value       T
	wasSet      bool
	subscribers map[int]func(T)
	cleanups    []func()
	nextID      int
	graceTimer  *clock.Timer
}

// New creates an empty store. clk drives the cleanup grace delay.
func New[T any](clk clock.Clock) *Store[T] {
	return &Store[T]{
		clk:         clk,
		subscribers: make(map[int]func(T)),
	}
}

// Set stores value and synchronously invokes every current subscriber
// with it. Subscribers are called outside the store's lock, so a
// subscriber may call Get or Set without deadlocking; within one Set
// call every subscriber observes the same value.
func (s *Store[T]) Set(value T) {
	s.mu.Lock()
	s.value = value
	s.wasSet = true
	callbacks := make([]func(T), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(value)
	}
}

// Get returns the last value set, or the zero value if never set.
func (s *Store[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// WasSet reports whether Set has been called at least once.
func (s *Store[T]) WasSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasSet
}

// Subscribe registers fn to be called on every subsequent Set. When
// immediate is true and the store already holds a value, fn is invoked
// once with that value before Subscribe returns.
//
// The returned function removes the subscription. It is idempotent.
func (s *Store[T]) Subscribe(fn func(T), immediate bool) func() {
	s.mu.Lock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	deliver := immediate && s.wasSet
	value := s.value
	s.mu.Unlock()

	if deliver {
		fn(value)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

// OnCleanup registers fn to run once the subscriber count drops to
// zero and the grace delay elapses. Cleanups run at most once; a store
// that is resubscribed after its cleanups ran starts with an empty
// cleanup list.
func (s *Store[T]) OnCleanup(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

func (s *Store[T]) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subscribers, id)
	if len(s.subscribers) > 0 {
		return
	}

	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = s.clk.AfterFunc(GraceDelay, s.runCleanups)
}

// runCleanups fires after the grace delay. A subscription arriving
// during the delay stops the timer, so reaching here means the store
// is genuinely idle.
func (s *Store[T]) runCleanups() {
	s.mu.Lock()
	if len(s.subscribers) > 0 {
		s.mu.Unlock()
		return
	}
	cleanups := s.cleanups
	s.cleanups = nil
	s.graceTimer = nil
	s.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}
}

// subscribeAny and ready let a Store act as a Source for Derive
// without exposing its value type.

func (s *Store[T]) subscribeAny(fn func(), immediate bool) func() {
	return s.Subscribe(func(T) { fn() }, immediate)
}

func (s *Store[T]) ready() bool { return s.WasSet() }

// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package reactive

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
)

// Front is a lazy handle to a store. The underlying store is built by
// the factory on first use and forgotten once its cleanup fires (last
// subscriber gone, grace delay elapsed), so an unused front costs
// nothing and a heavily shared front costs one live store.
type Front[T any] struct {
	mu       sync.Mutex
	clk      clock.Clock
	factory  func() *Store[T]
	store    *Store[T]
	onForget func()
}

// NewFront creates a front around a zero-argument store factory. The
// factory typically builds a [Derive]d store wired to live queries.
func NewFront[T any](clk clock.Clock, factory func() *Store[T]) *Front[T] {
	return &Front[T]{clk: clk, factory: factory}
}

// acquire materializes the underlying store on first use.
func (f *Front[T]) acquire() *Store[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store == nil {
		f.store = f.factory()
		f.store.OnCleanup(f.forget)
	}
	return f.store
}

func (f *Front[T]) forget() {
	f.mu.Lock()
	f.store = nil
	onForget := f.onForget
	f.mu.Unlock()
	if onForget != nil {
		onForget()
	}
}

// Subscribe materializes the store and registers fn on it. See
// [Store.Subscribe].
func (f *Front[T]) Subscribe(fn func(T), immediate bool) func() {
	return f.acquire().Subscribe(fn, immediate)
}

// Next resolves with the next value set on the store, materializing it
// if necessary. The current value does not count.
func (f *Front[T]) Next(ctx context.Context) (T, error) {
	store := f.acquire()

	values := make(chan T, 1)
	unsubscribe := store.Subscribe(func(v T) {
		select {
		case values <- v:
		default:
		}
	}, false)
	defer unsubscribe()

	var zero T
	select {
	case v := <-values:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Value resolves with the store's next value, counting the current
// value if one is already set. If timeout elapses first, it resolves
// with whatever the store currently holds (possibly the zero value).
func (f *Front[T]) Value(ctx context.Context, timeout time.Duration) (T, error) {
	store := f.acquire()

	values := make(chan T, 1)
	unsubscribe := store.Subscribe(func(v T) {
		select {
		case values <- v:
		default:
		}
	}, true)
	defer unsubscribe()

	var zero T
	select {
	case v := <-values:
		return v, nil
	case <-f.clk.After(timeout):
		return store.Get(), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Asserted resolves once the store holds a present value (non-nil
// pointer, map, or slice; any other non-nil value). Unlike Value, a
// timeout is an error: callers use Asserted when proceeding without
// the value would be a bug.
func (f *Front[T]) Asserted(ctx context.Context, timeout time.Duration) (T, error) {
	store := f.acquire()

	values := make(chan T, 16)
	unsubscribe := store.Subscribe(func(v T) {
		select {
		case values <- v:
		default:
		}
	}, true)
	defer unsubscribe()

	deadline := f.clk.After(timeout)
	var zero T
	for {
		select {
		case v := <-values:
			if isPresent(v) {
				return v, nil
			}
		case <-deadline:
			return zero, fmt.Errorf("reactive: asserted value not available within %v", timeout)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// isPresent reports whether v is usable as an asserted value: nil
// interfaces and nil pointers, maps, slices, channels, and funcs are
// absent, everything else (including zero scalars and empty non-nil
// slices) is present.
func isPresent(v any) bool {
	if v == nil {
		return false
	}
	value := reflect.ValueOf(v)
	switch value.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return !value.IsNil()
	}
	return true
}

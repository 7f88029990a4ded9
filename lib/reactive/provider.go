// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package reactive

import (
	"sync"

	"github.com/hawki-chat/hawki/lib/clock"
)

// Provider memoizes fronts by an opaque key, so repeated lookups of
// "room 7's messages" share one live store instead of materializing a
// fresh query per caller. A front is evicted from the cache when its
// store tears down, and rebuilt on the next lookup.
type Provider[T any] struct {
	mu      sync.Mutex
	clk     clock.Clock
	factory func(key string) *Store[T]
	fronts  map[string]*Front[T]
}

// NewProvider creates a provider. factory builds the underlying store
// for a given key when that key's front first materializes.
func NewProvider[T any](clk clock.Clock, factory func(key string) *Store[T]) *Provider[T] {
	return &Provider[T]{
		clk:     clk,
		factory: factory,
		fronts:  make(map[string]*Front[T]),
	}
}

// Front returns the memoized front for key, creating it if needed.
func (p *Provider[T]) Front(key string) *Front[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if front, ok := p.fronts[key]; ok {
		return front
	}

	front := NewFront(p.clk, func() *Store[T] { return p.factory(key) })
	front.onForget = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.fronts[key] == front {
			delete(p.fronts, key)
		}
	}
	p.fronts[key] = front
	return front
}

// Len reports the number of cached fronts. Test hook.
func (p *Provider[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fronts)
}

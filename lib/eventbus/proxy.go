// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"context"
	"fmt"
	"sync"
)

// HandlerProxy lets features register listeners before the bus exists.
// During bootstrap the feature set is assembled before the connection
// (and its bus) is built; registrations made through an unbound proxy
// queue up and are replayed in order when Bind is called.
type HandlerProxy struct {
	mu     sync.Mutex
	bus    *Bus
	queued []*queuedRegistration
}

type queuedRegistration struct {
	eventType Type
	fn        Listener
	priority  int

	// remove is nil while the registration is only queued. After
	// Bind it holds the bus-side unsubscribe.
	remove  func()
	dropped bool
}

// NewHandlerProxy creates an unbound proxy.
func NewHandlerProxy() *HandlerProxy {
	return &HandlerProxy{}
}

// AddListener registers fn for eventType. Before Bind the registration
// is queued; after Bind it goes straight to the bus. The returned
// function removes the registration in either state.
func (p *HandlerProxy) AddListener(eventType Type, fn Listener, priority int) func() {
	p.mu.Lock()
	if p.bus != nil {
		bus := p.bus
		p.mu.Unlock()
		return bus.AddListener(eventType, fn, priority)
	}

	reg := &queuedRegistration{eventType: eventType, fn: fn, priority: priority}
	p.queued = append(p.queued, reg)
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		reg.dropped = true
		if reg.remove != nil {
			reg.remove()
		}
	}
}

// Bind attaches the proxy to bus and replays all queued registrations
// in their original order. Binding twice is a programming error.
func (p *HandlerProxy) Bind(bus *Bus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bus != nil {
		panic("eventbus: HandlerProxy bound twice")
	}
	p.bus = bus

	for _, reg := range p.queued {
		if reg.dropped {
			continue
		}
		reg.remove = bus.AddListener(reg.eventType, reg.fn, reg.priority)
	}
	p.queued = nil
}

// Dispatch forwards to the bound bus. Dispatching through an unbound
// proxy is an error: events fired during bootstrap would silently
// vanish otherwise.
func (p *HandlerProxy) Dispatch(ctx context.Context, eventType Type, payload any) error {
	p.mu.Lock()
	bus := p.bus
	p.mu.Unlock()

	if bus == nil {
		return fmt.Errorf("eventbus: dispatch of %q through unbound proxy", eventType)
	}
	return bus.Dispatch(ctx, eventType, payload)
}

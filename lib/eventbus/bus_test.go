// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
	"github.com/hawki-chat/hawki/lib/testutil"
)

func TestDispatchDescendingPriority(t *testing.T) {
	bus := New(nil)

	var order []string
	bus.AddListener("t", func(context.Context, any) error {
		order = append(order, "low")
		return nil
	}, 1)
	bus.AddListener("t", func(context.Context, any) error {
		order = append(order, "high")
		return nil
	}, 10)
	bus.AddListener("t", func(context.Context, any) error {
		order = append(order, "mid")
		return nil
	}, 5)

	if err := bus.Dispatch(context.Background(), "t", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestDispatchIsSequential(t *testing.T) {
	bus := New(nil)

	inFlight := 0
	var maxInFlight int
	for i := 0; i < 5; i++ {
		bus.AddListener("t", func(context.Context, any) error {
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			time.Sleep(time.Millisecond)
			inFlight--
			return nil
		}, 0)
	}

	if err := bus.Dispatch(context.Background(), "t", nil); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if maxInFlight != 1 {
		t.Fatalf("max concurrent listeners = %d, want 1", maxInFlight)
	}
}

func TestListenerErrorDoesNotStopDispatch(t *testing.T) {
	bus := New(nil)

	reached := false
	bus.AddListener("t", func(context.Context, any) error {
		return errors.New("boom")
	}, 10)
	bus.AddListener("t", func(context.Context, any) error {
		reached = true
		return nil
	}, 0)

	err := bus.Dispatch(context.Background(), "t", nil)
	if err == nil {
		t.Fatal("Dispatch swallowed the listener error")
	}
	if !reached {
		t.Fatal("lower-priority listener skipped after an error")
	}
}

func TestRemoveListener(t *testing.T) {
	bus := New(nil)

	calls := 0
	remove := bus.AddListener("t", func(context.Context, any) error {
		calls++
		return nil
	}, 0)

	bus.Dispatch(context.Background(), "t", nil)
	remove()
	remove() // idempotent
	bus.Dispatch(context.Background(), "t", nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if bus.ListenerCount("t") != 0 {
		t.Fatalf("ListenerCount = %d, want 0", bus.ListenerCount("t"))
	}
}

func TestHandlerProxyReplaysOnBind(t *testing.T) {
	proxy := NewHandlerProxy()

	calls := 0
	proxy.AddListener("t", func(context.Context, any) error {
		calls++
		return nil
	}, 0)
	removed := proxy.AddListener("t", func(context.Context, any) error {
		t.Error("listener removed before bind was still replayed")
		return nil
	}, 0)
	removed()

	if err := proxy.Dispatch(context.Background(), "t", nil); err == nil {
		t.Fatal("dispatch through an unbound proxy succeeded")
	}

	bus := New(nil)
	proxy.Bind(bus)

	if err := proxy.Dispatch(context.Background(), "t", nil); err != nil {
		t.Fatalf("Dispatch after bind: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestForwardedBindingRefCounting(t *testing.T) {
	bus := New(nil)

	setups, teardowns := 0, 0
	binding := NewForwardedBinding(bus, func(Type) (func(), error) {
		setups++
		return func() { teardowns++ }, nil
	})

	first, err := binding.AddListener("channel:room:7", func(context.Context, any) error { return nil }, 0)
	if err != nil {
		t.Fatalf("first AddListener: %v", err)
	}
	second, err := binding.AddListener("channel:room:7", func(context.Context, any) error { return nil }, 0)
	if err != nil {
		t.Fatalf("second AddListener: %v", err)
	}

	if setups != 1 {
		t.Fatalf("setups = %d after two listeners, want 1", setups)
	}

	first()
	if teardowns != 0 {
		t.Fatal("teardown ran while a listener remained")
	}
	second()
	if teardowns != 1 {
		t.Fatalf("teardowns = %d after last listener left, want 1", teardowns)
	}
}

func TestForwardedBindingTearsDownOnShutdown(t *testing.T) {
	bus := New(nil)

	teardowns := 0
	binding, err := NewForwardedBinding(bus, func(Type) (func(), error) {
		return func() { teardowns++ }, nil
	}).AddListener("channel:user:update", func(context.Context, any) error { return nil }, 0)
	if err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	_ = binding

	bus.Shutdown()
	if teardowns != 1 {
		t.Fatalf("teardowns = %d after shutdown, want 1", teardowns)
	}
}

func TestChangeBatcherAggregates(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	bus := New(nil)
	batches := make(chan StorageBatch, 1)
	bus.AddListener(EventStorageChanged, func(_ context.Context, payload any) error {
		batches <- payload.(StorageBatch)
		return nil
	}, 0)

	batcher := NewChangeBatcher(bus, clk)
	batcher.Record(StorageChange{Resource: "message", Action: ActionSet, ID: 1})
	clk.Advance(ChangeBatcherDelay / 2)
	batcher.Record(StorageChange{Resource: "room", Action: ActionRemove, ID: 2})

	clk.Advance(ChangeBatcherDelay / 2)
	select {
	case <-batches:
		t.Fatal("batch fired before the quiet period elapsed")
	default:
	}

	clk.Advance(ChangeBatcherDelay / 2)
	batch := testutil.RequireReceive(t, batches, 5*time.Second, "debounced batch")
	if len(batch.Changes) != 2 {
		t.Fatalf("batch has %d changes, want 2", len(batch.Changes))
	}
}

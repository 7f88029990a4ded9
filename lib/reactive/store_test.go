// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package reactive

import (
	"testing"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
)

func TestSetNotifiesSubscribersSynchronously(t *testing.T) {
	store := New[int](clock.Fake(time.Unix(0, 0)))

	var seen []int
	store.Subscribe(func(v int) { seen = append(seen, v) }, true)

	store.Set(1)
	store.Set(2)

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("seen = %v, want [1 2]", seen)
	}
	if store.Get() != 2 {
		t.Fatalf("Get() = %d, want 2", store.Get())
	}
}

func TestSubscribeImmediateDeliversCurrentValue(t *testing.T) {
	store := New[string](clock.Fake(time.Unix(0, 0)))
	store.Set("hello")

	var immediate, deferred []string
	store.Subscribe(func(v string) { immediate = append(immediate, v) }, true)
	store.Subscribe(func(v string) { deferred = append(deferred, v) }, false)

	if len(immediate) != 1 || immediate[0] != "hello" {
		t.Fatalf("immediate subscriber saw %v, want [hello]", immediate)
	}
	if len(deferred) != 0 {
		t.Fatalf("non-immediate subscriber saw %v before any Set", deferred)
	}
}

func TestSubscribeImmediateOnUnsetStoreDeliversNothing(t *testing.T) {
	store := New[int](clock.Fake(time.Unix(0, 0)))

	called := false
	store.Subscribe(func(int) { called = true }, true)
	if called {
		t.Fatal("immediate subscriber invoked on a store that was never set")
	}
}

func TestCleanupRunsAfterGraceDelay(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := New[int](clk)

	cleaned := false
	store.OnCleanup(func() { cleaned = true })

	unsubscribe := store.Subscribe(func(int) {}, false)
	unsubscribe()

	if cleaned {
		t.Fatal("cleanup ran before the grace delay")
	}
	clk.Advance(GraceDelay)
	if !cleaned {
		t.Fatal("cleanup did not run after the grace delay")
	}
}

func TestResubscribeWithinGraceDelayCancelsCleanup(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := New[int](clk)

	cleaned := false
	store.OnCleanup(func() { cleaned = true })

	unsubscribe := store.Subscribe(func(int) {}, false)
	unsubscribe()

	clk.Advance(GraceDelay / 2)
	store.Subscribe(func(int) {}, false)
	clk.Advance(GraceDelay * 2)

	if cleaned {
		t.Fatal("cleanup ran despite resubscription within the grace delay")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := New[int](clk)

	first := store.Subscribe(func(int) {}, false)
	second := store.Subscribe(func(int) {}, false)

	cleaned := false
	store.OnCleanup(func() { cleaned = true })

	first()
	first() // must not double-remove and tear down while second is live
	clk.Advance(GraceDelay * 2)
	if cleaned {
		t.Fatal("cleanup ran while a subscriber was still registered")
	}

	second()
	clk.Advance(GraceDelay)
	if !cleaned {
		t.Fatal("cleanup did not run after the last subscriber left")
	}
}

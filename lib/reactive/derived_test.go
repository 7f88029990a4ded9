// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package reactive

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
	"github.com/hawki-chat/hawki/lib/testutil"
)

func TestDerivedWaitsForAllSources(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	a := New[int](clk)
	b := New[int](clk)

	var computations atomic.Int64
	results := make(chan int, 16)
	derived := Derive(clk, nil, func(context.Context) (int, error) {
		computations.Add(1)
		return a.Get() + b.Get(), nil
	}, a, b)
	derived.Subscribe(func(v int) { results <- v }, false)

	a.Set(1)
	time.Sleep(20 * time.Millisecond)
	if n := computations.Load(); n != 0 {
		t.Fatalf("%d computations before all sources were set, want 0", n)
	}

	b.Set(2)
	sum := testutil.RequireReceive(t, results, 5*time.Second, "first combination")
	if sum != 3 {
		t.Fatalf("combined value = %d, want 3", sum)
	}
}

func TestDerivedRecomputesOnEachSourceChange(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	a := New[int](clk)
	b := New[int](clk)

	results := make(chan int, 16)
	derived := Derive(clk, nil, func(context.Context) (int, error) {
		return a.Get() + b.Get(), nil
	}, a, b)
	derived.Subscribe(func(v int) { results <- v }, false)

	a.Set(1)
	b.Set(2)
	testutil.RequireReceive(t, results, 5*time.Second, "initial combination")

	a.Set(10)
	if sum := testutil.RequireReceive(t, results, 5*time.Second, "recombination"); sum != 12 {
		t.Fatalf("combined value after change = %d, want 12", sum)
	}
}

func TestDerivedStaleComputationDoesNotOverwrite(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	source := New[int](clk)

	// Each computation snapshots the source value, then blocks until
	// its gate is released. Releasing the second (fast) run before the
	// first (slow) one simulates the race.
	gates := make(chan chan struct{}, 2)
	results := make(chan int, 16)
	derived := Derive(clk, nil, func(context.Context) (int, error) {
		snapshot := source.Get()
		gate := make(chan struct{})
		gates <- gate
		<-gate
		return snapshot, nil
	}, source)
	derived.Subscribe(func(v int) { results <- v }, false)

	source.Set(1)
	slow := testutil.RequireReceive(t, gates, 5*time.Second, "slow run started")
	source.Set(2)
	fast := testutil.RequireReceive(t, gates, 5*time.Second, "fast run started")

	close(fast)
	if v := testutil.RequireReceive(t, results, 5*time.Second, "fast result"); v != 2 {
		t.Fatalf("committed value = %d, want 2", v)
	}

	close(slow)
	time.Sleep(50 * time.Millisecond)
	if v := derived.Get(); v != 2 {
		t.Fatalf("stale computation overwrote the store: Get() = %d, want 2", v)
	}
	select {
	case v := <-results:
		t.Fatalf("stale computation was committed with value %d", v)
	default:
	}
}

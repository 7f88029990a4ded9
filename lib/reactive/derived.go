// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package reactive

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hawki-chat/hawki/lib/clock"
)

// Source is a store observed by a derived store. *Store[T] implements
// it for every T.
type Source interface {
	subscribeAny(fn func(), immediate bool) func()
	ready() bool
}

// Derive creates a store whose value is recomputed whenever any source
// changes, once every source has been set at least once.
//
// compute runs in its own goroutine (it typically reads the sources
// and may perform I/O, e.g. a local-store query). Each run is tagged
// with a generation id taken when the triggering change arrives; a
// run's result is committed only if no newer run has started in the
// meantime, so a slow stale computation can never overwrite a fresh
// one.
//
// The derived store unsubscribes from its sources when its own cleanup
// fires (last subscriber gone, grace delay elapsed).
func Derive[T any](clk clock.Clock, logger *slog.Logger, compute func(ctx context.Context) (T, error), sources ...Source) *Store[T] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	derived := New[T](clk)

	var generation atomic.Uint64
	var commitMu sync.Mutex

	trigger := func() {
		for _, source := range sources {
			if !source.ready() {
				return
			}
		}
		current := generation.Add(1)
		go func() {
			value, err := compute(context.Background())
			if err != nil {
				logger.Warn("derived store computation failed", "error", err)
				return
			}
			// Serialize commits so the generation check and the Set
			// are atomic with respect to other finishing runs.
			commitMu.Lock()
			defer commitMu.Unlock()
			if generation.Load() == current {
				derived.Set(value)
			}
		}()
	}

	unsubscribers := make([]func(), 0, len(sources))
	for _, source := range sources {
		unsubscribers = append(unsubscribers, source.subscribeAny(trigger, false))
	}
	derived.OnCleanup(func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	})

	// Initial combination pass; a no-op until all sources are set.
	trigger()

	return derived
}

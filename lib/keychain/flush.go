// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"context"
	"fmt"
)

// scheduleFlushLocked starts the debounce window if none is running.
// Caller holds k.mu.
func (k *Keychain) scheduleFlushLocked() {
	if k.flushTimer != nil {
		return
	}
	k.flushTimer = k.clk.AfterFunc(k.flushDelay, k.flushNow)
}

// flushNow runs when the debounce window closes: one deduplicated
// push of everything queued, plus a rewrite of the local blob.
// Push failures are logged and the queued operations kept for the
// next window, so a later mutation retries them.
func (k *Keychain) flushNow() {
	k.mu.Lock()
	k.flushTimer = nil
	sets, removals := k.drainLocked()
	k.mu.Unlock()

	if err := k.push(context.Background(), sets, removals); err != nil {
		k.logger.Warn("keychain flush failed", "error", err)
		k.requeue(sets, removals)
		return
	}
	if err := k.persistLocal(context.Background()); err != nil {
		k.logger.Warn("persisting keychain failed", "error", err)
	}
}

// Flush pushes everything queued immediately, bypassing the
// debounce. Used on shutdown and after bulk imports.
func (k *Keychain) Flush(ctx context.Context) error {
	k.mu.Lock()
	if k.flushTimer != nil {
		k.flushTimer.Stop()
		k.flushTimer = nil
	}
	sets, removals := k.drainLocked()
	k.mu.Unlock()

	if err := k.push(ctx, sets, removals); err != nil {
		k.requeue(sets, removals)
		return err
	}
	return k.persistLocal(ctx)
}

// drainLocked empties the pending queues. Caller holds k.mu.
func (k *Keychain) drainLocked() ([]Entry, []EntryRef) {
	var sets []Entry
	for _, entry := range k.sets {
		sets = append(sets, entry)
	}
	var removals []EntryRef
	for ref := range k.removals {
		removals = append(removals, ref)
	}
	k.sets = make(map[EntryRef]Entry)
	k.removals = make(map[EntryRef]struct{})
	return sets, removals
}

func (k *Keychain) push(ctx context.Context, sets []Entry, removals []EntryRef) error {
	if k.remote == nil || (len(sets) == 0 && len(removals) == 0) {
		return nil
	}
	if err := k.remote.PushEntries(ctx, sets, removals); err != nil {
		return fmt.Errorf("keychain: pushing %d sets, %d removals: %w", len(sets), len(removals), err)
	}
	return nil
}

// requeue puts failed operations back unless a newer operation for
// the same ref arrived in the meantime.
func (k *Keychain) requeue(sets []Entry, removals []EntryRef) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, entry := range sets {
		ref := entry.ref()
		if _, pending := k.sets[ref]; pending {
			continue
		}
		if _, removed := k.removals[ref]; removed {
			continue
		}
		// Only requeue if the entry is still current.
		if current, ok := k.entries[ref]; ok && current.Time == entry.Time {
			k.sets[ref] = entry
		}
	}
	for _, ref := range removals {
		if _, pending := k.sets[ref]; pending {
			continue
		}
		if _, exists := k.entries[ref]; exists {
			continue
		}
		k.removals[ref] = struct{}{}
	}
}

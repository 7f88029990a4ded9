// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
	"github.com/hawki-chat/hawki/lib/cryptobox"
	"github.com/hawki-chat/hawki/lib/testutil"
)

// fakeRemote records pushed batches and serves canned fetches.
type fakeRemote struct {
	mu      sync.Mutex
	pushes  []pushedBatch
	entries []Entry
	pushErr error
	pushed  chan struct{}
}

type pushedBatch struct {
	sets     []Entry
	removals []EntryRef
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{pushed: make(chan struct{}, 16)}
}

func (r *fakeRemote) PushEntries(_ context.Context, sets []Entry, removals []EntryRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushErr != nil {
		return r.pushErr
	}
	r.pushes = append(r.pushes, pushedBatch{sets: sets, removals: removals})
	select {
	case r.pushed <- struct{}{}:
	default:
	}
	return nil
}

func (r *fakeRemote) FetchEntries(context.Context) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries, nil
}

func (r *fakeRemote) batches() []pushedBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pushedBatch(nil), r.pushes...)
}

func newTestKeychain(t *testing.T, remote RemoteStore) (*Keychain, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	kc, err := New(Config{
		Clock:  clk,
		Remote: remote,
		AISalt: "server-ai-salt",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return kc, clk
}

func TestSetQueuesDebouncedPush(t *testing.T) {
	remote := newFakeRemote()
	kc, clk := newTestKeychain(t, remote)

	if err := kc.Set(Entry{Key: "room:r1", Type: TypeSymmetricKey, Value: "k1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(remote.batches()) != 0 {
		t.Fatal("push happened before the debounce window closed")
	}

	clk.Advance(FlushDelay)
	testutil.RequireReceive(t, remote.pushed, 5*time.Second, "debounced push")

	batches := remote.batches()
	if len(batches) != 1 || len(batches[0].sets) != 1 {
		t.Fatalf("expected one push with one set, got %+v", batches)
	}
	if batches[0].sets[0].Time == 0 {
		t.Fatal("entry pushed without a time signature")
	}
}

func TestFlushDeduplicatesSameRef(t *testing.T) {
	remote := newFakeRemote()
	kc, clk := newTestKeychain(t, remote)

	for _, value := range []string{"v1", "v2", "v3"} {
		if err := kc.Set(Entry{Key: "room:r1", Type: TypeSymmetricKey, Value: value}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	clk.Advance(FlushDelay)
	testutil.RequireReceive(t, remote.pushed, 5*time.Second, "debounced push")

	batches := remote.batches()
	if len(batches) != 1 {
		t.Fatalf("expected one push, got %d", len(batches))
	}
	if len(batches[0].sets) != 1 || batches[0].sets[0].Value != "v3" {
		t.Fatalf("expected one deduplicated set carrying the last value, got %+v", batches[0].sets)
	}
}

func TestRemoveCancelsQueuedSet(t *testing.T) {
	remote := newFakeRemote()
	kc, clk := newTestKeychain(t, remote)

	ref := EntryRef{Key: "room:r1", Type: TypeSymmetricKey}
	if err := kc.Set(Entry{Key: ref.Key, Type: ref.Type, Value: "doomed"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	kc.Remove(ref)

	clk.Advance(FlushDelay)
	testutil.RequireReceive(t, remote.pushed, 5*time.Second, "debounced push")

	batches := remote.batches()
	if len(batches) != 1 {
		t.Fatalf("expected one push, got %d", len(batches))
	}
	if len(batches[0].sets) != 0 || len(batches[0].removals) != 1 {
		t.Fatalf("expected only the removal to survive, got %+v", batches[0])
	}
}

func TestPushFailureRetriesOnNextFlush(t *testing.T) {
	remote := newFakeRemote()
	remote.pushErr = errors.New("offline")
	kc, clk := newTestKeychain(t, remote)

	if err := kc.Set(Entry{Key: "room:r1", Type: TypeSymmetricKey, Value: "v1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clk.Advance(FlushDelay)

	// Failed push requeues; the server comes back and a Flush
	// delivers the original entry.
	remote.mu.Lock()
	remote.pushErr = nil
	remote.mu.Unlock()

	if err := kc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	batches := remote.batches()
	if len(batches) != 1 || len(batches[0].sets) != 1 || batches[0].sets[0].Value != "v1" {
		t.Fatalf("expected retried set, got %+v", batches)
	}
}

func TestRoomKeysAbsentWithoutRoomKey(t *testing.T) {
	kc, _ := newTestKeychain(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys, err := kc.RoomKeys("r1").Value(ctx, 4*time.Second)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if keys != nil {
		t.Fatalf("expected absent bundle for unknown room, got %+v", keys)
	}
}

func TestRoomKeysSelfHealsDerivedKeys(t *testing.T) {
	kc, _ := newTestKeychain(t, nil)

	roomKey := bytes.Repeat([]byte{7}, cryptobox.KeySize)
	if err := kc.SetRoomKey("r1", roomKey); err != nil {
		t.Fatalf("SetRoomKey: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bundle, err := kc.RoomKeys("r1").Asserted(ctx, 4*time.Second)
	if err != nil {
		t.Fatalf("Asserted: %v", err)
	}
	if !bytes.Equal(bundle.RoomKey, roomKey) {
		t.Fatal("room key mismatch")
	}
	wantAI := cryptobox.DeriveKey(roomKey, "r1", []byte("server-ai-salt"))
	if !bytes.Equal(bundle.AIKey, wantAI) {
		t.Fatal("AI key not derived from room key, room id, and salt")
	}
	wantLegacy := cryptobox.DeriveKey([]byte(legacyDerivationInput), "r1", []byte("server-ai-salt"))
	if !bytes.Equal(bundle.AILegacyKey, wantLegacy) {
		t.Fatal("legacy AI key not derived from the fixed historical input")
	}

	// The background heal persists both derivations as entries.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, hasAI := kc.Get(EntryRef{Key: "room:r1:ai", Type: TypeSymmetricKey})
		_, hasLegacy := kc.Get(EntryRef{Key: "room:r1:ai-legacy", Type: TypeSymmetricKey})
		if hasAI && hasLegacy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("derived keys were not persisted in the background")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLegacyDerivationIgnoresRoomKey(t *testing.T) {
	kc, _ := newTestKeychain(t, nil)

	// Two rooms with different room keys share the legacy input, so
	// their legacy keys differ only by room id.
	a := kc.deriveLegacyAIKey("r1")
	b := kc.deriveLegacyAIKey("r2")
	if bytes.Equal(a, b) {
		t.Fatal("legacy keys for different rooms must differ")
	}
	again := kc.deriveLegacyAIKey("r1")
	if !bytes.Equal(a, again) {
		t.Fatal("legacy derivation must be deterministic")
	}
}

func TestMergeLastWriteWins(t *testing.T) {
	remote := newFakeRemote()
	kc, _ := newTestKeychain(t, remote)

	if err := kc.Set(Entry{Key: "a", Type: TypeSymmetricKey, Value: "local-old", Time: 100}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kc.Set(Entry{Key: "b", Type: TypeSymmetricKey, Value: "local-new", Time: 900}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	adopted := kc.Merge([]Entry{
		{Key: "a", Type: TypeSymmetricKey, Value: "server-new", Time: 500},
		{Key: "b", Type: TypeSymmetricKey, Value: "server-old", Time: 200},
		{Key: "c", Type: TypeSymmetricKey, Value: "server-only", Time: 50},
	})
	if adopted != 2 {
		t.Fatalf("expected 2 adopted entries, got %d", adopted)
	}

	if entry, _ := kc.Get(EntryRef{Key: "a", Type: TypeSymmetricKey}); entry.Value != "server-new" {
		t.Fatalf("newer server entry must win, got %q", entry.Value)
	}
	if entry, _ := kc.Get(EntryRef{Key: "b", Type: TypeSymmetricKey}); entry.Value != "local-new" {
		t.Fatalf("newer local entry must survive, got %q", entry.Value)
	}
	if entry, _ := kc.Get(EntryRef{Key: "c", Type: TypeSymmetricKey}); entry.Value != "server-only" {
		t.Fatalf("server-only entry must be adopted, got %q", entry.Value)
	}

	// The losing server copy of "b" re-queues the local entry.
	if err := kc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	batches := remote.batches()
	found := false
	for _, batch := range batches {
		for _, entry := range batch.sets {
			if entry.Key == "b" && entry.Value == "local-new" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("local winner was not pushed back to the server")
	}
}

func TestSetRejectsInvalidEntry(t *testing.T) {
	kc, _ := newTestKeychain(t, nil)

	if err := kc.Set(Entry{Key: "", Type: TypeSymmetricKey, Value: "v"}); err == nil {
		t.Fatal("expected error for empty key")
	}
	if err := kc.Set(Entry{Key: "a", Type: "mystery", Value: "v"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package keychain manages the user's key material: the asymmetric
// key pair, one symmetric key per room, and the AI-content keys
// derived from it. Mutations flush to the server in debounced,
// deduplicated batches; the whole keychain persists locally as one
// encrypted record.
package keychain

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
	"github.com/hawki-chat/hawki/lib/cryptobox"
	"github.com/hawki-chat/hawki/lib/localstore"
	"github.com/hawki-chat/hawki/lib/reactive"
)

// FlushDelay is the debounce window for the batched server flush:
// mutations made within it collapse into one network call.
const FlushDelay = 200 * time.Millisecond

// legacyDerivationInput is the fixed input of the historical AI-key
// derivation. The original derivation accidentally stringified the
// key object instead of using the key bytes, so every client derived
// the same base input. Content encrypted under that derivation still
// exists; the input must stay byte-for-byte as it was.
const legacyDerivationInput = "[object CryptoKey]"

// userEntryKey is the entry key for the user's own key pair.
const userEntryKey = "user"

func roomEntryKey(roomID string) string       { return "room:" + roomID }
func roomAIEntryKey(roomID string) string     { return "room:" + roomID + ":ai" }
func roomLegacyEntryKey(roomID string) string { return "room:" + roomID + ":ai-legacy" }

// RoomKeys is the key bundle for one room: the authoritative room key
// plus the two AI-content keys derived from it.
type RoomKeys struct {
	RoomKey     []byte
	AIKey       []byte
	AILegacyKey []byte
}

// RemoteStore pushes and fetches keychain entries on the server.
// messaging.Session implements it.
type RemoteStore interface {
	PushEntries(ctx context.Context, sets []Entry, removals []EntryRef) error
	FetchEntries(ctx context.Context) ([]Entry, error)
}

// Config holds the parameters for opening a keychain.
type Config struct {
	// Clock drives the flush debounce and the entry time signatures.
	// Nil means the real clock.
	Clock clock.Clock

	// Logger, nil discards.
	Logger *slog.Logger

	// Remote receives the debounced entry flushes. Nil means
	// local-only operation (offline, tests).
	Remote RemoteStore

	// Table persists the encrypted keychain blob locally. Nil skips
	// local persistence.
	Table *localstore.Table

	// MasterKey encrypts the persisted keychain blob. Required when
	// Table is set. See UnlockKey.
	MasterKey []byte

	// AISalt is the server-issued salt for AI-key derivation.
	AISalt string

	// FlushDelay overrides the default debounce window when positive.
	FlushDelay time.Duration
}

// Keychain holds the user's key material: one asymmetric key pair
// plus one symmetric key per room (and the AI keys derived from it).
// Mutations are queued and flushed to the server in one debounced,
// deduplicated batch; the whole keychain is persisted locally as a
// single encrypted record.
type Keychain struct {
	clk        clock.Clock
	logger     *slog.Logger
	remote     RemoteStore
	table      *localstore.Table
	masterKey  []byte
	aiSalt     string
	flushDelay time.Duration

	mu         sync.Mutex
	entries    map[EntryRef]Entry
	sets       map[EntryRef]Entry
	removals   map[EntryRef]struct{}
	flushTimer *clock.Timer

	// revision bumps on every entry mutation; all reactive room-key
	// reads derive from it.
	revision *reactive.Store[uint64]
	rooms    *reactive.Provider[*RoomKeys]
}

// New creates a keychain. Call Load to restore the persisted state
// before first use.
func New(cfg Config) (*Keychain, error) {
	if cfg.Table != nil && len(cfg.MasterKey) != cryptobox.KeySize {
		return nil, fmt.Errorf("keychain: local persistence requires a %d-byte master key", cryptobox.KeySize)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	flushDelay := cfg.FlushDelay
	if flushDelay <= 0 {
		flushDelay = FlushDelay
	}

	kc := &Keychain{
		clk:        clk,
		logger:     logger,
		remote:     cfg.Remote,
		table:      cfg.Table,
		masterKey:  cfg.MasterKey,
		aiSalt:     cfg.AISalt,
		flushDelay: flushDelay,
		entries:    make(map[EntryRef]Entry),
		sets:       make(map[EntryRef]Entry),
		removals:   make(map[EntryRef]struct{}),
		revision:   reactive.New[uint64](clk),
	}
	kc.revision.Set(1)
	kc.rooms = reactive.NewProvider(clk, func(roomID string) *reactive.Store[*RoomKeys] {
		return reactive.Derive(clk, logger, func(ctx context.Context) (*RoomKeys, error) {
			return kc.resolveRoomKeys(roomID)
		}, kc.revision)
	})
	return kc, nil
}

// Get returns an entry, if present.
func (k *Keychain) Get(ref EntryRef) (Entry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.entries[ref]
	return entry, ok
}

// Set stores an entry and queues it for the next server flush. A
// zero Time is stamped with the current wall clock. Later sets of the
// same (type, key) within the flush window replace the queued one.
func (k *Keychain) Set(entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.Time == 0 {
		entry.Time = k.clk.Now().UnixMilli()
	}

	k.mu.Lock()
	ref := entry.ref()
	k.entries[ref] = entry
	k.sets[ref] = entry
	delete(k.removals, ref)
	k.scheduleFlushLocked()
	k.mu.Unlock()

	k.bumpRevision()
	return nil
}

// Remove deletes an entry and queues the removal for the next server
// flush. Removing an absent entry is a no-op.
func (k *Keychain) Remove(ref EntryRef) {
	k.mu.Lock()
	if _, ok := k.entries[ref]; !ok {
		k.mu.Unlock()
		return
	}
	delete(k.entries, ref)
	delete(k.sets, ref)
	k.removals[ref] = struct{}{}
	k.scheduleFlushLocked()
	k.mu.Unlock()

	k.bumpRevision()
}

// Entries returns a snapshot of all entries.
func (k *Keychain) Entries() []Entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	entries := make([]Entry, 0, len(k.entries))
	for _, entry := range k.entries {
		entries = append(entries, entry)
	}
	return entries
}

// SetUserKeypair stores the user's asymmetric key pair.
func (k *Keychain) SetUserKeypair(privateKeyValue, publicKey string) error {
	if err := k.Set(Entry{Key: userEntryKey, Type: TypePrivateKey, Value: privateKeyValue}); err != nil {
		return err
	}
	return k.Set(Entry{Key: userEntryKey, Type: TypePublicKey, Value: publicKey})
}

// PublicKey returns the user's public key, empty if not provisioned.
func (k *Keychain) PublicKey() string {
	entry, _ := k.Get(EntryRef{Key: userEntryKey, Type: TypePublicKey})
	return entry.Value
}

// PrivateKeyValue returns the user's stored private key value, empty
// if not provisioned.
func (k *Keychain) PrivateKeyValue() string {
	entry, _ := k.Get(EntryRef{Key: userEntryKey, Type: TypePrivateKey})
	return entry.Value
}

// SetRoomKey stores the authoritative symmetric key for a room. The
// AI keys are derived lazily on first read.
func (k *Keychain) SetRoomKey(roomID string, key []byte) error {
	if len(key) != cryptobox.KeySize {
		return fmt.Errorf("keychain: room key for %s has %d bytes, want %d", roomID, len(key), cryptobox.KeySize)
	}
	return k.Set(Entry{
		Key:   roomEntryKey(roomID),
		Type:  TypeSymmetricKey,
		Value: base64.StdEncoding.EncodeToString(key),
	})
}

// RemoveRoomKeys drops a room's entire key bundle (on leaving or
// deleting the room).
func (k *Keychain) RemoveRoomKeys(roomID string) {
	k.Remove(EntryRef{Key: roomEntryKey(roomID), Type: TypeSymmetricKey})
	k.Remove(EntryRef{Key: roomAIEntryKey(roomID), Type: TypeSymmetricKey})
	k.Remove(EntryRef{Key: roomLegacyEntryKey(roomID), Type: TypeSymmetricKey})
}

// RoomKeys is the reactive read of a room's key bundle. The front
// stays absent (nil) until the room key exists; missing AI keys are
// derived on read and persisted in the background without blocking
// the read.
func (k *Keychain) RoomKeys(roomID string) *reactive.Front[*RoomKeys] {
	return k.rooms.Front(roomID)
}

// resolveRoomKeys is the self-healing read behind RoomKeys.
func (k *Keychain) resolveRoomKeys(roomID string) (*RoomKeys, error) {
	k.mu.Lock()
	roomEntry, hasRoom := k.entries[EntryRef{Key: roomEntryKey(roomID), Type: TypeSymmetricKey}]
	aiEntry, hasAI := k.entries[EntryRef{Key: roomAIEntryKey(roomID), Type: TypeSymmetricKey}]
	legacyEntry, hasLegacy := k.entries[EntryRef{Key: roomLegacyEntryKey(roomID), Type: TypeSymmetricKey}]
	k.mu.Unlock()

	if !hasRoom {
		return nil, nil
	}
	roomKey, err := base64.StdEncoding.DecodeString(roomEntry.Value)
	if err != nil {
		return nil, fmt.Errorf("keychain: decoding room key for %s: %w", roomID, err)
	}

	keys := &RoomKeys{RoomKey: roomKey}
	heal := false

	if hasAI {
		if keys.AIKey, err = base64.StdEncoding.DecodeString(aiEntry.Value); err != nil {
			return nil, fmt.Errorf("keychain: decoding AI key for %s: %w", roomID, err)
		}
	} else {
		keys.AIKey = k.deriveAIKey(roomKey, roomID)
		heal = true
	}

	if hasLegacy {
		if keys.AILegacyKey, err = base64.StdEncoding.DecodeString(legacyEntry.Value); err != nil {
			return nil, fmt.Errorf("keychain: decoding legacy AI key for %s: %w", roomID, err)
		}
	} else {
		keys.AILegacyKey = k.deriveLegacyAIKey(roomID)
		heal = true
	}

	if heal {
		// Persist the derivations without blocking the read. The
		// resulting revision bump recomputes this read once; the
		// second pass finds everything present and settles.
		go k.persistDerivedKeys(roomID, hasAI, hasLegacy, keys)
	}
	return keys, nil
}

func (k *Keychain) persistDerivedKeys(roomID string, hadAI, hadLegacy bool, keys *RoomKeys) {
	if !hadAI {
		err := k.Set(Entry{
			Key:   roomAIEntryKey(roomID),
			Type:  TypeSymmetricKey,
			Value: base64.StdEncoding.EncodeToString(keys.AIKey),
		})
		if err != nil {
			k.logger.Warn("persisting derived AI key failed", "room", roomID, "error", err)
		}
	}
	if !hadLegacy {
		err := k.Set(Entry{
			Key:   roomLegacyEntryKey(roomID),
			Type:  TypeSymmetricKey,
			Value: base64.StdEncoding.EncodeToString(keys.AILegacyKey),
		})
		if err != nil {
			k.logger.Warn("persisting derived legacy AI key failed", "room", roomID, "error", err)
		}
	}
}

// deriveAIKey derives the current AI-content key for a room from the
// room key bytes, the room id, and the server AI salt.
func (k *Keychain) deriveAIKey(roomKey []byte, roomID string) []byte {
	return cryptobox.DeriveKey(roomKey, roomID, []byte(k.aiSalt))
}

// deriveLegacyAIKey derives the compatibility AI key. The secret
// input is the fixed legacyDerivationInput, not the room key.
func (k *Keychain) deriveLegacyAIKey(roomID string) []byte {
	return cryptobox.DeriveKey([]byte(legacyDerivationInput), roomID, []byte(k.aiSalt))
}

// Merge reconciles server entries into the local keychain,
// last-write-wins by time signature. Local entries that are newer
// than the server's copy are re-queued for push so the server
// converges too. Returns the number of adopted entries.
func (k *Keychain) Merge(serverEntries []Entry) int {
	adopted := 0
	k.mu.Lock()
	for _, serverEntry := range serverEntries {
		if serverEntry.validate() != nil {
			continue
		}
		ref := serverEntry.ref()
		local, exists := k.entries[ref]
		switch {
		case !exists, serverEntry.Time > local.Time:
			k.entries[ref] = serverEntry
			delete(k.sets, ref)
			delete(k.removals, ref)
			adopted++
		case serverEntry.Time < local.Time:
			k.sets[ref] = local
			k.scheduleFlushLocked()
		}
	}
	k.mu.Unlock()

	if adopted > 0 {
		k.bumpRevision()
	}
	return adopted
}

// SyncFromRemote fetches the server keychain and merges it.
func (k *Keychain) SyncFromRemote(ctx context.Context) error {
	if k.remote == nil {
		return nil
	}
	serverEntries, err := k.remote.FetchEntries(ctx)
	if err != nil {
		return fmt.Errorf("keychain: fetching server entries: %w", err)
	}
	k.logger.Debug("merged server keychain", "entries", len(serverEntries), "adopted", k.Merge(serverEntries))
	return nil
}

func (k *Keychain) bumpRevision() {
	k.revision.Set(k.revision.Get() + 1)
}

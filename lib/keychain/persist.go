// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hawki-chat/hawki/lib/cryptobox"
	"github.com/hawki-chat/hawki/lib/localstore"
)

// The whole keychain persists as one encrypted record in the local
// store, never as individual plaintext entries.
const persistedRecordID = int64(1)

// UnlockKey derives the master key that encrypts the persisted
// keychain blob from the user's passphrase and a server-issued salt.
func UnlockKey(passphrase string, salt []byte) []byte {
	return cryptobox.DeriveKey([]byte(passphrase), "keychain-master", salt)
}

// persistLocal writes the encrypted keychain blob. The write goes
// through the local store's normal batching; the returned future is
// not awaited (a crash before the flush loses at most the last
// debounce window, which the server copy covers).
func (k *Keychain) persistLocal(ctx context.Context) error {
	if k.table == nil {
		return nil
	}

	entries := k.Entries()
	// Deterministic order so identical keychains produce identical
	// blobs and the store's unchanged-skip applies.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].Key < entries[j].Key
	})

	plaintext, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("keychain: encoding entries: %w", err)
	}
	envelope, err := cryptobox.EncryptSymmetric(plaintext, k.masterKey)
	if err != nil {
		return fmt.Errorf("keychain: encrypting blob: %w", err)
	}

	_, err = k.table.Set(localstore.Record{
		"id":   persistedRecordID,
		"data": envelope.Compact(),
	})
	return err
}

// Load restores the keychain from the persisted blob. A missing
// record is a fresh keychain, not an error; a blob that fails to
// decrypt is (wrong master key or corruption).
func (k *Keychain) Load(ctx context.Context) error {
	if k.table == nil {
		return nil
	}
	record, err := k.table.Get(ctx, persistedRecordID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	compact, _ := record["data"].(string)
	envelope, err := cryptobox.ParseEnvelope(compact)
	if err != nil {
		return fmt.Errorf("keychain: parsing persisted blob: %w", err)
	}
	plaintext, err := cryptobox.DecryptSymmetric(envelope, k.masterKey)
	if err != nil {
		return fmt.Errorf("keychain: decrypting persisted blob: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return fmt.Errorf("keychain: decoding persisted blob: %w", err)
	}

	k.mu.Lock()
	for _, entry := range entries {
		if entry.validate() != nil {
			continue
		}
		k.entries[entry.ref()] = entry
	}
	k.mu.Unlock()

	k.bumpRevision()
	return nil
}

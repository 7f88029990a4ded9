// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
	"github.com/hawki-chat/hawki/lib/cryptobox"
	"github.com/hawki-chat/hawki/lib/eventbus"
	"github.com/hawki-chat/hawki/lib/localstore"
)

func TestPersistAndLoadRoundTrip(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	store, err := localstore.Open(localstore.Config{
		Path:     filepath.Join(t.TempDir(), "t.db"),
		PoolSize: 1,
		Tables:   []localstore.TableSpec{{Resource: "keychain_blob"}},
		Clock:    clk,
		Bus:      eventbus.New(nil),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close(context.Background())
	table := store.MustTable("keychain_blob")

	masterKey, err := cryptobox.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}

	kc, err := New(Config{Clock: clk, Table: table, MasterKey: masterKey, AISalt: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := kc.Set(Entry{Key: "room:r1", Type: TypeSymmetricKey, Value: "v1", Time: 42}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// The blob write goes through the store's batching.
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("store flush: %v", err)
	}

	// A second keychain with the same master key restores the entry.
	restored, err := New(Config{Clock: clk, Table: table, MasterKey: masterKey, AISalt: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	entry, ok := restored.Get(EntryRef{Key: "room:r1", Type: TypeSymmetricKey})
	if !ok || entry.Value != "v1" || entry.Time != 42 {
		t.Fatalf("entry did not round-trip: %+v (ok=%v)", entry, ok)
	}

	// A wrong master key fails to decrypt rather than returning junk.
	wrongKey, err := cryptobox.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	locked, err := New(Config{Clock: clk, Table: table, MasterKey: wrongKey, AISalt: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := locked.Load(context.Background()); err == nil {
		t.Fatal("expected decryption failure with the wrong master key")
	}
}

func TestUnlockKeyDeterministic(t *testing.T) {
	a := UnlockKey("correct horse", []byte("salt"))
	b := UnlockKey("correct horse", []byte("salt"))
	if string(a) != string(b) {
		t.Fatal("same passphrase and salt must derive the same key")
	}
	if string(a) == string(UnlockKey("wrong horse", []byte("salt"))) {
		t.Fatal("different passphrases must derive different keys")
	}
	if len(a) != cryptobox.KeySize {
		t.Fatalf("unlock key has %d bytes, want %d", len(a), cryptobox.KeySize)
	}
}

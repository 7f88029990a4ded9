// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"bytes"
	"testing"
)

func TestBackupHashToKeyNilOnEmpty(t *testing.T) {
	key, err := BackupHashToKey("", []byte("salt"))
	if err != nil {
		t.Fatalf("empty hash must not error: %v", err)
	}
	if key != nil {
		t.Fatalf("empty hash must yield nil key, got %x", key)
	}
}

func TestBackupHashValidation(t *testing.T) {
	valid := []string{"abcd-efgh-jkmn-pqrs", "2345-6789-abcd-wxyz"}
	for _, hash := range valid {
		if err := ValidateBackupHash(hash); err != nil {
			t.Errorf("ValidateBackupHash(%q) = %v, want nil", hash, err)
		}
	}

	invalid := []string{
		"abcd-efgh",           // missing two groups
		"abcd-efgh-jkmn",      // missing one group
		"ABCD-EFGH-JKMN-PQRS", // uppercase
		"abcd_efgh_jkmn_pqrs", // wrong separator
		"abcde-fghj-kmnp-qrs", // wrong group lengths
		"",
	}
	for _, hash := range invalid {
		if err := ValidateBackupHash(hash); err == nil {
			t.Errorf("ValidateBackupHash(%q) = nil, want error", hash)
		}
	}
}

func TestBackupHashToKeyRejectsMalformedBeforeDeriving(t *testing.T) {
	if _, err := BackupHashToKey("abcd-efgh", []byte("salt")); err == nil {
		t.Fatal("malformed hash must be rejected")
	}
}

func TestBackupHashToKeyDeterministic(t *testing.T) {
	a, err := BackupHashToKey("abcd-efgh-jkmn-pqrs", []byte("salt"))
	if err != nil {
		t.Fatalf("BackupHashToKey: %v", err)
	}
	b, err := BackupHashToKey("abcd-efgh-jkmn-pqrs", []byte("salt"))
	if err != nil {
		t.Fatalf("BackupHashToKey: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("same hash and salt must derive the same key")
	}
	c, err := BackupHashToKey("abcd-efgh-jkmn-pqrs", []byte("other"))
	if err != nil {
		t.Fatalf("BackupHashToKey: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatal("different salts must derive different keys")
	}
}

func TestNewBackupHashWellFormed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		hash, err := NewBackupHash()
		if err != nil {
			t.Fatalf("NewBackupHash: %v", err)
		}
		if err := ValidateBackupHash(hash); err != nil {
			t.Fatalf("generated hash %q fails validation: %v", hash, err)
		}
		seen[hash] = true
	}
	if len(seen) < 2 {
		t.Fatal("generated hashes suspiciously non-random")
	}
}

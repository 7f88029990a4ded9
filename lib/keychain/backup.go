// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"

	"github.com/hawki-chat/hawki/lib/cryptobox"
)

// A backup hash is the human-transcribable recovery code for the
// passkey backup: four dash-separated groups of four lowercase
// base32-ish characters.
var backupHashPattern = regexp.MustCompile(`^[a-z0-9]{4}-[a-z0-9]{4}-[a-z0-9]{4}-[a-z0-9]{4}$`)

const backupHashAlphabet = "abcdefghjkmnpqrstuvwxyz23456789" // no i/l/o/0/1

// ValidateBackupHash checks the xxxx-xxxx-xxxx-xxxx format. Callers
// must validate before any network round trip, so a typo fails
// locally and instantly.
func ValidateBackupHash(hash string) error {
	if !backupHashPattern.MatchString(hash) {
		return fmt.Errorf("keychain: malformed backup hash %q", hash)
	}
	return nil
}

// NewBackupHash generates a fresh backup hash.
func NewBackupHash() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("keychain: generating backup hash: %w", err)
	}
	var b strings.Builder
	for i, c := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(backupHashAlphabet[int(c)%len(backupHashAlphabet)])
	}
	return b.String(), nil
}

// BackupHashToKey derives the symmetric key protecting the passkey
// backup from its hash. An empty hash (no backup exists) yields a
// nil key, never an error.
func BackupHashToKey(hash string, salt []byte) ([]byte, error) {
	if hash == "" {
		return nil, nil
	}
	if err := ValidateBackupHash(hash); err != nil {
		return nil, err
	}
	return cryptobox.DeriveKey([]byte(hash), "passkey-backup", salt), nil
}

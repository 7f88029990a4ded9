// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// DeriveIterations is the PBKDF2 iteration count. Changing it
// invalidates every previously derived key, so it is fixed for the
// lifetime of the protocol generation.
const DeriveIterations = 100_000

// DeriveKey produces a deterministic symmetric key from a secret, a
// label, and a server-issued salt via PBKDF2-SHA256. The label
// domain-separates derivation paths: the same secret and salt with
// different labels yield unrelated keys.
func DeriveKey(secretInput []byte, label string, salt []byte) []byte {
	material := make([]byte, 0, len(label)+len(salt))
	material = append(material, label...)
	material = append(material, salt...)
	return pbkdf2.Key(secretInput, material, DeriveIterations, KeySize, sha256.New)
}

// DeriveSubkey expands an existing uniformly random key into a
// domain-separated subkey via HKDF-SHA256. Unlike DeriveKey this is
// cheap, so it is used where the input is already a proper key (the
// keychain's at-rest encryption key, per-purpose splits) rather than
// a low-entropy secret.
func DeriveSubkey(key []byte, info string) ([]byte, error) {
	subkey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(info)), subkey); err != nil {
		return nil, fmt.Errorf("cryptobox: hkdf expand: %w", err)
	}
	return subkey, nil
}

// Fingerprint returns the hex BLAKE3 digest of the given parts,
// joined with NUL separators to prevent ambiguity between ("ab","c")
// and ("a","bc"). Used for the meta table's user hash and for
// keychain flush deduplication keys.
func Fingerprint(parts ...string) string {
	hasher := blake3.New()
	for i, part := range parts {
		if i > 0 {
			hasher.Write([]byte{0})
		}
		hasher.Write([]byte(part))
	}
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

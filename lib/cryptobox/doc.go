// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptobox provides the cryptographic primitives for the
// client engine: symmetric authenticated encryption
// (XChaCha20-Poly1305 with the iv:tag:ciphertext wire form),
// asymmetric encryption (age x25519) for bootstrapping trust between
// users, hybrid encryption (one-time symmetric key, asymmetrically
// wrapped) for large initial exchanges, and key derivation
// (PBKDF2-SHA256 for low-entropy secrets, HKDF-SHA256 for subkeys).
//
// cryptobox is stateless. Key ownership, per-room key bundles, and the
// legacy AI derivation path live in lib/keychain.
package cryptobox

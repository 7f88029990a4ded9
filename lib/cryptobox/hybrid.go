// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/hawki-chat/hawki/lib/secret"
)

// EncryptHybrid encrypts a payload of arbitrary size to a recipient's
// public key: a one-time symmetric key encrypts the payload, and the
// key itself is asymmetrically wrapped. The wire form is two segments
// joined by the standard delimiter — the wrapped key, then the
// base64-encoded symmetric envelope. Used for the initial device and
// config exchange, where the payload is too large for direct
// asymmetric encryption.
func EncryptHybrid(plaintext []byte, recipientKey string) (string, error) {
	oneTimeKey, err := NewKey()
	if err != nil {
		return "", err
	}

	envelope, err := EncryptSymmetric(plaintext, oneTimeKey)
	if err != nil {
		return "", err
	}

	wrappedKey, err := EncryptAsymmetric(oneTimeKey, recipientKey)
	if err != nil {
		return "", fmt.Errorf("cryptobox: wrapping one-time key: %w", err)
	}

	payload := base64.StdEncoding.EncodeToString([]byte(envelope.Compact()))
	return wrappedKey + segmentDelimiter + payload, nil
}

// DecryptHybrid reverses EncryptHybrid. The private key is borrowed,
// not closed.
func DecryptHybrid(value string, privateKey *secret.Buffer) ([]byte, error) {
	segments := strings.Split(strings.TrimSpace(value), segmentDelimiter)
	if len(segments) != 2 {
		return nil, fmt.Errorf("cryptobox: hybrid value has %d segments, want 2", len(segments))
	}

	oneTimeKey, err := DecryptAsymmetric(segments[0], privateKey)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: unwrapping one-time key: %w", err)
	}
	if len(oneTimeKey) != KeySize {
		return nil, fmt.Errorf("cryptobox: unwrapped key has %d bytes, want %d", len(oneTimeKey), KeySize)
	}

	compact, err := base64.StdEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decoding hybrid payload: %w", err)
	}
	envelope, err := ParseEnvelope(string(compact))
	if err != nil {
		return nil, err
	}
	return DecryptSymmetric(envelope, oneTimeKey)
}

// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size in bytes of every symmetric key in the system:
// room keys, AI keys, derived keys, and hybrid one-time keys.
const KeySize = chacha20poly1305.KeySize

// segmentDelimiter joins the base64 segments of the compact wire
// forms. Standard base64 never contains it, so splitting is
// unambiguous.
const segmentDelimiter = ":"

// Envelope is a symmetric authenticated ciphertext: XChaCha20-Poly1305
// with the nonce exposed as IV and the Poly1305 tag split out of the
// ciphertext. It serializes either as the compact form
// "base64(iv):base64(tag):base64(ciphertext)" or as an equivalent JSON
// object; both sides of the wire accept both.
type Envelope struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// EncryptSymmetric encrypts plaintext under a 32-byte key with a
// random 24-byte nonce. Empty plaintext is valid and produces an
// envelope with an empty ciphertext segment.
func EncryptSymmetric(plaintext, key []byte) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: creating cipher: %w", err)
	}

	iv := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cryptobox: generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - aead.Overhead()
	return &Envelope{
		IV:         iv,
		Tag:        sealed[tagStart:],
		Ciphertext: sealed[:tagStart],
	}, nil
}

// DecryptSymmetric authenticates and decrypts an envelope. A wrong key
// or any tampering with iv, tag, or ciphertext fails authentication.
func DecryptSymmetric(envelope *Envelope, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: creating cipher: %w", err)
	}
	if len(envelope.IV) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("cryptobox: bad nonce length %d", len(envelope.IV))
	}

	sealed := make([]byte, 0, len(envelope.Ciphertext)+len(envelope.Tag))
	sealed = append(sealed, envelope.Ciphertext...)
	sealed = append(sealed, envelope.Tag...)

	plaintext, err := aead.Open(nil, envelope.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decryption failed: %w", err)
	}
	return plaintext, nil
}

// Compact returns the three-segment wire form.
func (e *Envelope) Compact() string {
	encode := base64.StdEncoding.EncodeToString
	return encode(e.IV) + segmentDelimiter + encode(e.Tag) + segmentDelimiter + encode(e.Ciphertext)
}

// envelopeJSON is the object wire form.
type envelopeJSON struct {
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Ciphertext string `json:"ciphertext"`
}

// MarshalJSON serializes the object wire form.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	encode := base64.StdEncoding.EncodeToString
	return json.Marshal(envelopeJSON{
		IV:         encode(e.IV),
		Tag:        encode(e.Tag),
		Ciphertext: encode(e.Ciphertext),
	})
}

// UnmarshalJSON parses the object wire form.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("cryptobox: parsing envelope object: %w", err)
	}
	parsed, err := envelopeFromSegments(wire.IV, wire.Tag, wire.Ciphertext)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// ParseEnvelope accepts either wire form: the compact three-segment
// string or the JSON object.
func ParseEnvelope(value string) (*Envelope, error) {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") {
		var envelope Envelope
		if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
			return nil, err
		}
		return &envelope, nil
	}

	segments := strings.Split(trimmed, segmentDelimiter)
	if len(segments) != 3 {
		return nil, fmt.Errorf("cryptobox: envelope has %d segments, want 3", len(segments))
	}
	return envelopeFromSegments(segments[0], segments[1], segments[2])
}

func envelopeFromSegments(iv, tag, ciphertext string) (*Envelope, error) {
	decode := base64.StdEncoding.DecodeString
	decodedIV, err := decode(iv)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decoding iv: %w", err)
	}
	decodedTag, err := decode(tag)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decoding tag: %w", err)
	}
	decodedCiphertext, err := decode(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decoding ciphertext: %w", err)
	}
	return &Envelope{IV: decodedIV, Tag: decodedTag, Ciphertext: decodedCiphertext}, nil
}

// NewKey returns a fresh random symmetric key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cryptobox: generating key: %w", err)
	}
	return key, nil
}

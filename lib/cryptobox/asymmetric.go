// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/hawki-chat/hawki/lib/secret"
)

// Keypair holds an age x25519 keypair. The private key lives in a
// secret.Buffer (mmap-backed, locked against swap, zeroed on close);
// the public key is a plain string, safe to publish to the server's
// user directory.
//
// The caller must Close the keypair when it is no longer needed.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... identity. Never log it,
	// never write it to disk unencrypted.
	PrivateKey *secret.Buffer

	// PublicKey is the age1... recipient.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a fresh keypair, moving the private key
// into protected memory immediately.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("cryptobox: generating keypair: %w", err)
	}

	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("cryptobox: protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// EncryptAsymmetric encrypts plaintext to a recipient's public key,
// returning standard base64. Used to bootstrap trust between two
// users: room key handovers and invitation payloads travel this way
// before a shared symmetric key exists.
func EncryptAsymmetric(plaintext []byte, recipientKey string) (string, error) {
	recipient, err := age.ParseX25519Recipient(recipientKey)
	if err != nil {
		return "", fmt.Errorf("cryptobox: parsing recipient key: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return "", fmt.Errorf("cryptobox: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("cryptobox: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("cryptobox: finalizing encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// DecryptAsymmetric decrypts base64 ciphertext with the private key.
// The key is borrowed, not closed.
func DecryptAsymmetric(ciphertext string, privateKey *secret.Buffer) ([]byte, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("cryptobox: parsing private key: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decoding ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: reading plaintext: %w", err)
	}
	return plaintext, nil
}

// ValidatePublicKey reports whether publicKey parses as an age x25519
// recipient. Use before trusting keys received from the server.
func ValidatePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("cryptobox: invalid public key: %w", err)
	}
	return nil
}

// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import "fmt"

// EntryType tags what a keychain entry's value is. An explicit type
// on every entry means import and sync never have to guess from the
// shape of the value.
type EntryType string

const (
	TypePrivateKey   EntryType = "private_key"
	TypePublicKey    EntryType = "public_key"
	TypeSymmetricKey EntryType = "symmetric_key"
)

func (t EntryType) valid() bool {
	switch t {
	case TypePrivateKey, TypePublicKey, TypeSymmetricKey:
		return true
	}
	return false
}

// EntryRef identifies an entry. One logical key can exist under
// several types (a user's key pair shares the key "user").
type EntryRef struct {
	Key  string    `json:"key"`
	Type EntryType `json:"type"`
}

func (r EntryRef) String() string { return string(r.Type) + "/" + r.Key }

// Entry is one keychain entry. Value is the base64 or age-encoded
// key material, depending on Type. Time is a millisecond wall-clock
// signature used for last-write-wins desync resolution: when local
// and server disagree about an entry, the older side is overwritten.
type Entry struct {
	Key   string    `json:"key"`
	Type  EntryType `json:"type"`
	Value string    `json:"value"`
	Time  int64     `json:"time"`
}

func (e Entry) ref() EntryRef { return EntryRef{Key: e.Key, Type: e.Type} }

func (e Entry) validate() error {
	if e.Key == "" {
		return fmt.Errorf("keychain: entry has empty key")
	}
	if !e.Type.valid() {
		return fmt.Errorf("keychain: entry %q has unknown type %q", e.Key, e.Type)
	}
	return nil
}

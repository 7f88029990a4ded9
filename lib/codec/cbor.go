// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for stored record
// shapes in the local resource store.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. The write
// committer relies on this — it compares the encoded bytes of an
// incoming record against the persisted row to skip writes whose
// stored shape is unchanged, which only works when the same logical
// record always encodes to identical bytes.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Record fields decode into map[string]any targets (records
		// are schemaless maps on the Go side). CBOR's default for an
		// any-typed target is map[interface{}]interface{}, which is
		// incompatible with encoding/json and with the conversion
		// functions that reshape wire records. Stored records never
		// use non-string map keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Integers land in any-typed fields as int64 regardless of
		// sign, so numeric record fields (ids above all) have one
		// Go type on the read path.
		IntDec: cbor.IntDecConvertSignedOrFail,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, usable to delay decoding.
// Type alias so consumers import only lib/codec, not fxamacker/cbor.
type RawMessage = cbor.RawMessage

// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestDeterministicEncoding(t *testing.T) {
	// The committer's unchanged-skip depends on map encoding being
	// independent of insertion order.
	a := map[string]any{"id": int64(7), "content": "hello", "room_id": int64(3)}
	b := map[string]any{"room_id": int64(3), "content": "hello", "id": int64(7)}

	encodedA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a): %v", err)
	}
	encodedB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b): %v", err)
	}
	if !bytes.Equal(encodedA, encodedB) {
		t.Fatal("same logical map encoded to different bytes")
	}
}

func TestAnyTargetDecodesToStringKeyedMap(t *testing.T) {
	encoded, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	nested, ok := decoded["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested value decoded as %T, want map[string]any", decoded["nested"])
	}
	if nested["k"] != "v" {
		t.Fatalf("nested[k] = %v, want v", nested["k"])
	}
}

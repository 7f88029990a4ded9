// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("correct horse battery staple")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), []byte("correct horse battery staple")) {
		t.Fatal("buffer contents differ from original source")
	}
	for index, b := range source {
		if b != 0 {
			t.Fatalf("source byte %d not zeroed after NewFromBytes", index)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReadAfterClosePanics(t *testing.T) {
	buffer, err := NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("Bytes on a closed buffer did not panic")
		}
	}()
	_ = buffer.Bytes()
}

func TestEmptySourceRejected(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("NewFromBytes(nil) succeeded")
	}
	if _, err := New(0); err == nil {
		t.Fatal("New(0) succeeded")
	}
}

// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the client's durable resource replica: a
// SQLite database holding one table per resource, written through a
// debounced batch pipeline and read through reactive derived views.
//
// Writes never hit SQLite directly. Table.Set and Table.Remove
// enqueue onto a per-table write queue where later writes for the
// same id collapse into the latest one; the first write opens a
// fixed flush window (DefaultFlushInterval) and the whole queue
// commits in one transaction when it closes. Callers that need
// confirmation hold the returned Future, which resolves only after
// the transaction lands.
//
// Reads come from reactive stores derived from a per-table revision
// counter, so a committed write invalidates every live List, One,
// Count, and Where view exactly once per flush rather than once per
// Set.
//
// Records are encoded with deterministic CBOR, compressed with zstd
// past CompressThreshold, and skipped entirely when the stored bytes
// already match — an unchanged write resolves its future without
// touching the row or emitting an event.
package localstore

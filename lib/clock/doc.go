// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability.
//
// The client engine is built around debounce windows: the local store
// batches table writes for ~150ms, the keychain batches server flushes
// for ~200ms, and reactive fronts resolve async reads against
// timeouts. Testing those paths against the wall clock would be slow
// and flaky, so every component takes a [Clock]. Production wiring
// passes [Real]; tests pass [Fake] and call Advance to step through
// debounce windows deterministically.
package clock

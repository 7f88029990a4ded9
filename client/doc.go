// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package client composes the HAWKI client engine: the event bus,
// the local SQLite replica, the keychain, the sync engine and the
// realtime channel, bound to one authenticated session.
//
// [Open] runs the startup sequence: it verifies the replica belongs
// to this user, server and protocol generation (wiping it
// otherwise), restores the keychain, announces lifecycle init on the
// bus, attaches the realtime channels and runs the initial global
// sync. From then on the replica follows the server's change log;
// realtime sync notifications trigger further runs.
//
// The connection registers the built-in appliers that translate
// change-log entries into table writes. The active user's own
// removal is special: the connection disconnects, wipes the replica
// and returns [ErrUserRemoved] from every further sync.
package client

// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the HAWKI server API client.
//
// A Client holds the server URL and HTTP transport; Login upgrades it
// to a Session carrying the access token. The Session implements the
// interfaces the engine layers consume: syncengine.Source (change-log
// pages) and keychain.RemoteStore (batched keychain sync).
//
// Realtime multiplexes the server's event channels over one websocket
// connection and forwards named events onto the event bus, with
// channel subscriptions reference-counted against bus listeners (user
// and broadcast channels) and room membership (room channels).
// Whisper events are ephemeral peer signals; they are dispatched but
// never persisted.
package messaging

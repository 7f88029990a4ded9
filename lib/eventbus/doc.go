// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus is the client engine's central event dispatcher.
//
// Everything that happens to the local replica flows through one
// [Bus]: lifecycle transitions, committed storage changes, applied
// sync-log entries, and realtime channel traffic. Dispatch for one
// event type is strictly sequential in descending listener priority —
// never concurrent — so features can rely on the side effects of
// higher-priority listeners having completed.
//
// [HandlerProxy] covers bootstrap ordering: features register
// listeners before the connection exists, and the proxy replays the
// registrations when the bus is bound. [ForwardedBinding] ties
// external subscriptions (realtime server channels) to listener
// presence with reference counting, so a channel is held open exactly
// while something on the client observes it.
package eventbus

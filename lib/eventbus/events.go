// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/hawki-chat/hawki/lib/clock"
)

// Lifecycle events, dispatched by the connection.
const (
	// EventInit fires once the local replica is open and verified,
	// before the first sync run.
	EventInit Type = "lifecycle:init"

	// EventDisconnect fires when the connection closes. Storage
	// mutations after this event are silent.
	EventDisconnect Type = "lifecycle:disconnect"
)

// Action distinguishes record upserts from deletions, both in storage
// change events and in change-log entries.
type Action string

const (
	ActionSet    Action = "set"
	ActionRemove Action = "remove"
)

// StorageSet is the event type for committed upserts of one resource.
func StorageSet(resource string) Type {
	return Type("storage:" + resource + ":set")
}

// StorageRemove is the event type for committed deletions of one
// resource.
func StorageRemove(resource string) Type {
	return Type("storage:" + resource + ":remove")
}

// EventStorageChanged is the debounced batched variant: one event per
// quiet period carrying every change committed during it, regardless
// of resource type.
const EventStorageChanged Type = "storage:changed"

// StorageChange is the payload of StorageSet/StorageRemove events and
// the element type of [StorageBatch].
type StorageChange struct {
	Resource string
	Action   Action
	ID       int64
	// Record is the stored-shape record for set actions, nil for
	// removes.
	Record map[string]any
}

// StorageBatch is the payload of [EventStorageChanged].
type StorageBatch struct {
	Changes []StorageChange
}

// SyncApplied is the event type fired after the sync engine applies
// one change-log entry for the given resource and action.
func SyncApplied(resource string, action Action) Type {
	return Type("sync:" + resource + ":" + string(action))
}

// EventSyncCleared fires before a full reconciliation applies its
// first chunk, telling features to purge stale local state. The
// payload is a [SyncCleared].
const EventSyncCleared Type = "sync:cleared"

// SyncCleared is the payload of [EventSyncCleared]. RoomID is empty
// for a global clear.
type SyncCleared struct {
	RoomID string
}

// ChannelScope identifies which class of realtime channel an event
// arrived on.
type ChannelScope string

const (
	// ScopeUser is the authenticated user's private channel.
	ScopeUser ChannelScope = "user"
	// ScopeGlobal is the all-users broadcast channel.
	ScopeGlobal ChannelScope = "global"
	// ScopeRoom is a per-room private channel.
	ScopeRoom ChannelScope = "room"
)

// ChannelEvent is the event type for a named realtime event on a
// channel scope.
func ChannelEvent(scope ChannelScope, name string) Type {
	return Type("channel:" + string(scope) + ":" + name)
}

// WhisperEvent is the event type for an ephemeral peer-broadcast
// signal (typing, presence pings). Whispers are never persisted by
// the server and never reach the local store.
func WhisperEvent(name string) Type {
	return Type("whisper:" + name)
}

// ChannelMessage is the payload of channel and whisper events.
type ChannelMessage struct {
	Scope ChannelScope
	// RoomID is set for ScopeRoom messages.
	RoomID  string
	Event   string
	Payload []byte
}

// ChangeBatcherDelay is the quiet period the batched storage-change
// event waits for before firing.
const ChangeBatcherDelay = 200 * time.Millisecond

// ChangeBatcher aggregates storage changes and dispatches one
// [EventStorageChanged] per quiet period. The local store records
// every committed mutation here in addition to dispatching the
// per-resource events.
type ChangeBatcher struct {
	bus *Bus
	clk clock.Clock

	mu      sync.Mutex
	pending []StorageChange
	timer   *clock.Timer
}

// NewChangeBatcher creates a batcher dispatching on bus.
func NewChangeBatcher(bus *Bus, clk clock.Clock) *ChangeBatcher {
	return &ChangeBatcher{bus: bus, clk: clk}
}

// Record adds a change to the pending batch and (re)starts the quiet
// period.
func (c *ChangeBatcher) Record(change StorageChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, change)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clk.AfterFunc(ChangeBatcherDelay, c.flush)
}

func (c *ChangeBatcher) flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	// Dispatch errors are already logged by the bus.
	_ = c.bus.Dispatch(context.Background(), EventStorageChanged, StorageBatch{Changes: batch})
}

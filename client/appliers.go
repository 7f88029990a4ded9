// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/hawki-chat/hawki/lib/eventbus"
	"github.com/hawki-chat/hawki/lib/keychain"
	"github.com/hawki-chat/hawki/lib/localstore"
	"github.com/hawki-chat/hawki/lib/syncengine"
)

// resourceKeychainValue entries carry server-side keychain mutations
// through the change log; they merge into the keychain instead of a
// table.
const resourceKeychainValue = "keychain_value"

// applyEntry translates one change-log entry into local state. It
// runs inside the engine's SingleBatch section, so a chunk's writes
// become visible atomically.
func (c *Connection) applyEntry(ctx context.Context, entry syncengine.ChangeEntry) error {
	switch entry.Resource {
	case resourceUserRemoval:
		return c.applyUserRemoval(entry)
	case resourceKeychainValue:
		return c.applyKeychainValue(entry)
	case ResourceRoom:
		return c.applyRoom(entry)
	}

	table, err := c.store.Table(entry.Resource)
	if err != nil {
		// A newer server may log resource types this build does not
		// know. Skipping keeps the rest of the chunk usable.
		c.logger.Warn("skipping change-log entry for unknown resource", "resource", entry.Resource)
		return nil
	}
	return applyToTable(table, entry)
}

func applyToTable(table *localstore.Table, entry syncengine.ChangeEntry) error {
	switch entry.Action {
	case eventbus.ActionSet:
		_, err := table.Set(entry.Record)
		return err
	case eventbus.ActionRemove:
		id, err := entry.Record.ID()
		if err != nil {
			return err
		}
		table.Remove(id)
		return nil
	default:
		return fmt.Errorf("client: unknown change-log action %q", entry.Action)
	}
}

// applyRoom stores the room and keeps realtime channel membership in
// step: a synced room is a room whose channel we should be on.
func (c *Connection) applyRoom(entry syncengine.ChangeEntry) error {
	if err := applyToTable(c.store.MustTable(ResourceRoom), entry); err != nil {
		return err
	}
	id, err := entry.Record.ID()
	if err != nil {
		return err
	}
	roomID := strconv.FormatInt(id, 10)
	switch entry.Action {
	case eventbus.ActionSet:
		if c.realtime != nil {
			if err := c.realtime.JoinRoom(roomID); err != nil {
				c.logger.Warn("joining room channel failed", "room", roomID, "error", err)
			}
		}
	case eventbus.ActionRemove:
		if c.realtime != nil {
			c.realtime.LeaveRoom(roomID)
		}
		// Key removal does not depend on a realtime session; a synced
		// removal purges the room's keys even on one-shot connections.
		c.keychain.RemoveRoomKeys(roomID)
	}
	return nil
}

// applyKeychainValue merges a server keychain mutation. Sets go
// through last-write-wins merging; removals drop the entry outright.
func (c *Connection) applyKeychainValue(entry syncengine.ChangeEntry) error {
	serverEntry, err := decodeKeychainEntry(entry.Record)
	if err != nil {
		return err
	}
	switch entry.Action {
	case eventbus.ActionSet:
		c.keychain.Merge([]keychain.Entry{serverEntry})
	case eventbus.ActionRemove:
		c.keychain.Remove(keychain.EntryRef{Key: serverEntry.Key, Type: serverEntry.Type})
	}
	return nil
}

func decodeKeychainEntry(record localstore.Record) (keychain.Entry, error) {
	entry := keychain.Entry{}
	var ok bool
	if entry.Key, ok = record["key"].(string); !ok {
		return keychain.Entry{}, fmt.Errorf("client: keychain change-log entry has no key")
	}
	rawType, ok := record["type"].(string)
	if !ok {
		return keychain.Entry{}, fmt.Errorf("client: keychain change-log entry has no type")
	}
	entry.Type = keychain.EntryType(rawType)
	entry.Value, _ = record["value"].(string)
	entry.Time, _ = recordInt64(record["time"])
	return entry, nil
}

// applyUserRemoval reacts to another user's removal by dropping their
// records; the active user's own removal stops the run, and the
// caller wipes everything.
func (c *Connection) applyUserRemoval(entry syncengine.ChangeEntry) error {
	removedID, _ := entry.Record["user_id"].(string)
	if removedID == "" {
		return fmt.Errorf("client: user_removal entry has no user_id")
	}
	if removedID == c.session.UserID() {
		c.removed.Store(true)
		return syncengine.ErrStopRun
	}
	// Someone else: their user record disappears from the replica.
	table := c.store.MustTable(ResourceUser)
	if id, err := entry.Record.ID(); err == nil {
		table.Remove(id)
	}
	return nil
}

// recoverWipe discards the replica after a failed chunk apply; the
// next full run rebuilds it from the change log.
func (c *Connection) recoverWipe(ctx context.Context) error {
	return c.store.Wipe(ctx)
}

// recordRoomID extracts a record's room_id as the canonical string
// form used in scopes and channel names. Empty when absent.
func recordRoomID(record localstore.Record) string {
	switch v := record["room_id"].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		if v != math.Trunc(v) {
			return ""
		}
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

// recordInt64 reads a numeric field regardless of the decoder that
// produced it.
func recordInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

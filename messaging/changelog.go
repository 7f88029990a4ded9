// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hawki-chat/hawki/lib/eventbus"
	"github.com/hawki-chat/hawki/lib/localstore"
	"github.com/hawki-chat/hawki/lib/syncengine"
)

// changeLogEntry is the wire shape of one change-log entry.
type changeLogEntry struct {
	Resource string          `json:"resource"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data"`
	LoggedAt time.Time       `json:"logged_at"`
}

type changeLogResponse struct {
	Type string           `json:"type"`
	Log  []changeLogEntry `json:"log"`
}

// FetchChunk fetches one change-log page. Session implements
// [syncengine.Source] with it.
func (s *Session) FetchChunk(ctx context.Context, req syncengine.ChunkRequest) (syncengine.Chunk, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(req.Offset))
	query.Set("limit", strconv.Itoa(req.Limit))
	if req.LastSync != nil {
		query.Set("last-sync", req.LastSync.UTC().Format(time.RFC3339Nano))
	}
	if req.RoomID != "" {
		query.Set("room-id", req.RoomID)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/api/sync/changelog", s.accessToken, nil, query)
	if err != nil {
		return syncengine.Chunk{}, fmt.Errorf("messaging: change-log fetch failed: %w", err)
	}

	var response changeLogResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return syncengine.Chunk{}, fmt.Errorf("messaging: failed to parse change-log response: %w", err)
	}

	chunk := syncengine.Chunk{Entries: make([]syncengine.ChangeEntry, 0, len(response.Log))}
	switch response.Type {
	case "full":
		chunk.Type = syncengine.SyncFull
	case "incremental":
		chunk.Type = syncengine.SyncIncremental
	default:
		return syncengine.Chunk{}, fmt.Errorf("messaging: unknown sync type %q", response.Type)
	}

	for i, wire := range response.Log {
		entry, err := decodeChangeEntry(wire)
		if err != nil {
			return syncengine.Chunk{}, fmt.Errorf("messaging: change-log entry %d: %w", i, err)
		}
		chunk.Entries = append(chunk.Entries, entry)
	}
	return chunk, nil
}

func decodeChangeEntry(wire changeLogEntry) (syncengine.ChangeEntry, error) {
	if wire.Resource == "" {
		return syncengine.ChangeEntry{}, fmt.Errorf("entry has empty resource")
	}
	var action eventbus.Action
	switch wire.Action {
	case "set":
		action = eventbus.ActionSet
	case "remove":
		action = eventbus.ActionRemove
	default:
		return syncengine.ChangeEntry{}, fmt.Errorf("unknown action %q", wire.Action)
	}

	var record localstore.Record
	if len(wire.Data) > 0 {
		if err := json.Unmarshal(wire.Data, &record); err != nil {
			return syncengine.ChangeEntry{}, fmt.Errorf("decoding data: %w", err)
		}
	}

	return syncengine.ChangeEntry{
		Resource: wire.Resource,
		Action:   action,
		Record:   record,
		LoggedAt: wire.LoggedAt,
	}, nil
}

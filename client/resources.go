// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"time"

	"github.com/hawki-chat/hawki/lib/localstore"
)

// Resource table names. Every non-transient server resource type maps
// to exactly one table.
const (
	ResourceRoom         = "room"
	ResourceMessage      = "message"
	ResourceMember       = "member"
	ResourceUser         = "user"
	ResourceInvitation   = "invitation"
	ResourceAIModel      = "ai_model"
	ResourceSystemPrompt = "system_prompt"

	// resourceKeychain holds the single encrypted keychain blob, not
	// server records.
	resourceKeychain = "keychain"

	// resourceUserRemoval never maps to a table: its change-log
	// entries are control signals for the active user's removal.
	resourceUserRemoval = "user_removal"
)

// tableSpecs declares the local schema.
func tableSpecs() []localstore.TableSpec {
	return []localstore.TableSpec{
		{Resource: ResourceRoom},
		{
			Resource: ResourceMessage,
			Indexes: []localstore.IndexSpec{
				{Name: "room", Columns: []string{"room_id"}},
				{Name: "room_created", Columns: []string{"room_id", "created_at_ms"}},
			},
			Convert: convertMessage,
		},
		{
			Resource: ResourceMember,
			Indexes: []localstore.IndexSpec{
				{Name: "room", Columns: []string{"room_id"}},
			},
		},
		{Resource: ResourceUser},
		{
			Resource: ResourceInvitation,
			Indexes: []localstore.IndexSpec{
				{Name: "room", Columns: []string{"room_id"}},
			},
		},
		{Resource: ResourceAIModel},
		{Resource: ResourceSystemPrompt},
		{Resource: resourceKeychain},
	}
}

// convertMessage maps a message's wire shape to its stored shape:
// the RFC 3339 creation date becomes a sortable millisecond field
// backing the room_created index.
func convertMessage(record localstore.Record) (localstore.Record, error) {
	stored := make(localstore.Record, len(record)+1)
	for key, value := range record {
		stored[key] = value
	}
	raw, ok := record["created_at"].(string)
	if !ok || raw == "" {
		return stored, nil
	}
	createdAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("client: message created_at %q: %w", raw, err)
	}
	stored["created_at_ms"] = createdAt.UnixMilli()
	return stored, nil
}

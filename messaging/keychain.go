// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hawki-chat/hawki/lib/keychain"
)

type keychainBatchRequest struct {
	Sets     []keychain.Entry    `json:"sets"`
	Removals []keychain.EntryRef `json:"removals"`
}

type keychainListResponse struct {
	Entries []keychain.Entry `json:"entries"`
}

// PushEntries uploads one deduplicated batch of keychain mutations.
// Session implements [keychain.RemoteStore] with it.
func (s *Session) PushEntries(ctx context.Context, sets []keychain.Entry, removals []keychain.EntryRef) error {
	if len(sets) == 0 && len(removals) == 0 {
		return nil
	}
	_, err := s.client.doRequest(ctx, http.MethodPost, "/api/keychain/batch", s.accessToken, keychainBatchRequest{
		Sets:     sets,
		Removals: removals,
	})
	if err != nil {
		return fmt.Errorf("messaging: keychain batch failed: %w", err)
	}
	return nil
}

// FetchEntries downloads the server's copy of the keychain.
func (s *Session) FetchEntries(ctx context.Context) ([]keychain.Entry, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/api/keychain", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: keychain fetch failed: %w", err)
	}
	var response keychainListResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse keychain response: %w", err)
	}
	return response.Entries, nil
}

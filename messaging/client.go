// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hawki-chat/hawki/lib/netutil"
	"github.com/hawki-chat/hawki/lib/secret"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// ServerURL is the base URL of the HAWKI server (e.g.,
	// "https://hawki.example.org").
	ServerURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is an unauthenticated HAWKI API client. It holds the server
// URL and HTTP transport, shared across Sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new unauthenticated client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.ServerURL == "" {
		return nil, fmt.Errorf("messaging: ServerURL is required")
	}

	// Validate the URL structure. The string form (trailing slash
	// stripped) is stored and request URLs are built by direct
	// concatenation, avoiding double-encoding issues with Go's
	// url.URL.String().
	if _, err := url.Parse(config.ServerURL); err != nil {
		return nil, fmt.Errorf("messaging: invalid ServerURL %q: %w", config.ServerURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.ServerURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BaseURL returns the normalized server URL the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's pool. Call after a network disruption to force fresh
// TCP connections instead of reusing a poisoned pooled one.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ServerInfoResponse describes the server and the salts the crypto
// layer derives against.
type ServerInfoResponse struct {
	// Version is the server's protocol generation; the meta identity
	// check compares it against the client's expectation.
	Version string `json:"version"`
	// AISalt feeds the per-room AI-key derivation.
	AISalt string `json:"ai_salt"`
	// KeychainSalt feeds the keychain master-key derivation.
	KeychainSalt string `json:"keychain_salt"`
	// BackupSalt feeds the passkey-backup key derivation.
	BackupSalt string `json:"backup_salt"`
}

// ServerInfo fetches the server version and derivation salts. This is
// an unauthenticated endpoint, useful for reachability checks.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfoResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/info", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: server info failed: %w", err)
	}
	var response ServerInfoResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse server info: %w", err)
	}
	return &response, nil
}

// doRequest performs one JSON API request. A non-2xx response with
// the standard error shape comes back as an *APIError, alongside the
// raw body for callers that need it.
func (c *Client) doRequest(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody any, query ...url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 && query[0] != nil {
		requestURL += "?" + query[0].Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != nil {
		request.Header.Set("Authorization", "Bearer "+accessToken.String())
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var apiErr APIError
	if jsonErr := json.Unmarshal(responseBody, &apiErr); jsonErr != nil || apiErr.Code == "" {
		// Server returned a non-standard error body. Fail loud with
		// the raw text.
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	apiErr.StatusCode = response.StatusCode
	return responseBody, &apiErr
}

// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hawki-chat/hawki/lib/secret"
)

// Session is an authenticated API session: an access token plus the
// expiry introspected from it.
type Session struct {
	client      *Client
	userID      string
	username    string
	accessToken *secret.Buffer
	tokenExpiry time.Time
	logger      *slog.Logger
}

type loginRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

// Login authenticates with the user's secret token and returns a
// Session. The access token's expiry is read from its JWT claims
// without signature verification — the client holds no server key,
// and the expiry is only used for proactive re-login, never for
// trust decisions.
func (c *Client) Login(ctx context.Context, username string, token *secret.Buffer) (*Session, error) {
	if username == "" {
		return nil, fmt.Errorf("messaging: username is required for login")
	}
	if token == nil {
		return nil, fmt.Errorf("messaging: token is required for login")
	}

	// The token copy is short-lived, existing only for the HTTP call.
	body, err := c.doRequest(ctx, http.MethodPost, "/api/auth/login", nil, loginRequest{
		Username: username,
		Token:    token.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: login failed: %w", err)
	}

	var response loginResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse login response: %w", err)
	}
	if response.AccessToken == "" {
		return nil, fmt.Errorf("messaging: login response carried no access token")
	}

	accessToken, err := secret.NewFromBytes([]byte(response.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("messaging: storing access token: %w", err)
	}

	session := &Session{
		client:      c,
		userID:      response.UserID,
		username:    username,
		accessToken: accessToken,
		tokenExpiry: tokenExpiry(response.AccessToken),
		logger:      c.logger.With("user", response.UserID),
	}
	session.logger.Info("logged in", "token_expiry", session.tokenExpiry)
	return session, nil
}

// ResumeSession reconstructs a Session from a persisted access token
// without a login round trip.
func (c *Client) ResumeSession(userID string, accessToken *secret.Buffer) *Session {
	return &Session{
		client:      c,
		userID:      userID,
		accessToken: accessToken,
		tokenExpiry: tokenExpiry(accessToken.String()),
		logger:      c.logger.With("user", userID),
	}
}

// tokenExpiry extracts the exp claim from a JWT access token. Zero if
// the token is not a JWT or carries no expiry.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}
	}
	return expiry.Time
}

// UserID returns the authenticated user's server id.
func (s *Session) UserID() string { return s.userID }

// Username returns the login username, empty for resumed sessions.
func (s *Session) Username() string { return s.username }

// TokenExpiry returns the access token's expiry, zero if unknown.
func (s *Session) TokenExpiry() time.Time { return s.tokenExpiry }

// TokenExpiresWithin reports whether the access token expires within
// d of now. Tokens without a known expiry never report true; the
// server rejects them with token_expired when they lapse.
func (s *Session) TokenExpiresWithin(now time.Time, d time.Duration) bool {
	if s.tokenExpiry.IsZero() {
		return false
	}
	return s.tokenExpiry.Before(now.Add(d))
}

// Close releases the session's token material.
func (s *Session) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// Logout invalidates the access token server-side, then releases it.
func (s *Session) Logout(ctx context.Context) error {
	if _, err := s.client.doRequest(ctx, http.MethodPost, "/api/auth/logout", s.accessToken, nil); err != nil {
		return fmt.Errorf("messaging: logout failed: %w", err)
	}
	return s.Close()
}

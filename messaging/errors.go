// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
)

// APIError represents a structured error response from the HAWKI
// server. Callers can use errors.As to extract the structured
// information:
//
//	var apiErr *messaging.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == messaging.ErrCodeTokenExpired { ... }
//	}
type APIError struct {
	// Code is the server error code (e.g., "token_expired").
	Code string `json:"code"`
	// Message is the human-readable error description.
	Message string `json:"message"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hawki: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Server error codes.
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeTokenExpired = "token_expired"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidParam = "invalid_param"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeUnknown      = "unknown"
)

// IsAPIError checks whether err is an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// IsAuthError reports whether err means the session's credentials are
// no longer usable and a fresh login is needed.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrCodeUnauthorized || apiErr.Code == ErrCodeTokenExpired
	}
	return false
}

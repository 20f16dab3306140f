package errors

import "errors"

// Auth errors.
var (
	ErrNoToken     = errors.New("no auth token available")
	ErrAuthRefresh = errors.New("token refresh failed")
)

// Connection errors.
var ErrMaxAttempts = errors.New("max reconnect attempts reached")

// Hub API errors.
var (
	ErrAPIRequest  = errors.New("hub API request failed")
	ErrAPIResponse = errors.New("unexpected hub API response")
)

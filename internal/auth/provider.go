// Package auth supplies bearer tokens to the connection manager. The auth
// flow itself (login UI, push of new credentials) lives outside this
// process; providers here only read and refresh what that flow produces.
package auth

import (
	"context"

	apperrors "github.com/alexjbarnes/home-sync/internal/errors"
)

// Provider is the token capability consumed by the connection manager.
// CurrentToken returns the current bearer token, or "" when none is
// available. Refresh obtains a fresh token; its error is an auth error,
// which the connection manager folds into the reconnect path.
type Provider interface {
	CurrentToken() string
	Refresh(ctx context.Context) (string, error)
}

// Static is a fixed-token provider, used in tests and for development
// against hubs with long-lived tokens. Refresh returns the same token.
type Static string

func (s Static) CurrentToken() string {
	return string(s)
}

func (s Static) Refresh(context.Context) (string, error) {
	if s == "" {
		return "", apperrors.ErrNoToken
	}

	return string(s), nil
}

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/home-sync/internal/errors"
)

// tokenRefresher is the slice of the hub API client the provider needs.
// *hubapi.Client satisfies this interface.
type tokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (string, error)
}

// tokenCache persists tokens across restarts. *state.State satisfies this
// interface.
type tokenCache interface {
	Token() string
	SetToken(token string) error
}

// HubProvider exchanges a long-lived refresh token for bearer tokens via
// the hub REST API, caching the current token in memory and in the state
// store so a still-valid token survives restarts.
type HubProvider struct {
	api          tokenRefresher
	cache        tokenCache
	refreshToken string
	logger       *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewHubProvider creates a provider backed by the hub refresh endpoint.
// The cached token from a previous run, if any, is used until the first
// refresh.
func NewHubProvider(api tokenRefresher, cache tokenCache, refreshToken string, logger *slog.Logger) *HubProvider {
	return &HubProvider{
		api:          api,
		cache:        cache,
		refreshToken: refreshToken,
		logger:       logger,
		token:        cache.Token(),
	}
}

// CurrentToken returns the most recent bearer token, or "".
func (p *HubProvider) CurrentToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.token
}

// Refresh obtains a fresh bearer token from the hub and persists it.
func (p *HubProvider) Refresh(ctx context.Context) (string, error) {
	if p.refreshToken == "" {
		return "", apperrors.ErrNoToken
	}

	token, err := p.api.RefreshToken(ctx, p.refreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrAuthRefresh, err)
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()

	if err := p.cache.SetToken(token); err != nil {
		// Cache write failure is not an auth failure; the fresh token is
		// still usable for this session.
		p.logger.Warn("persisting refreshed token failed", slog.String("error", err.Error()))
	}

	return token, nil
}

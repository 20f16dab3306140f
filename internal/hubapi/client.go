// Package hubapi talks to the hub's REST API: the conventional
// request/response side of the system, used for token refresh and the
// bootstrap device fetch. The streaming side lives in homesync.
package hubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	apperrors "github.com/alexjbarnes/home-sync/internal/errors"
	"github.com/alexjbarnes/home-sync/internal/protocol"
)

const defaultBaseURL = "https://api.home-sync.dev"

// Client talks to the hub REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used. An empty baseURL
// selects the production endpoint.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// do sends a JSON request and decodes the response into result. A bearer
// token is attached when non-empty. Hub errors arrive either as non-200
// statuses or as 200 responses carrying an "error" field.
func (c *Client) do(ctx context.Context, method, endpoint, token string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %s (%d): %s", apperrors.ErrAPIResponse, endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("%w: %s returned status %d: %s", apperrors.ErrAPIResponse, endpoint, resp.StatusCode, string(respBody))
	}

	var apiErr APIError
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("%w: %s: %s", apperrors.ErrAPIResponse, endpoint, apiErr.Error)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// RefreshToken exchanges a refresh token for a fresh bearer token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	req := RefreshRequest{RefreshToken: refreshToken}

	var resp RefreshResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", req, &resp); err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}

	if resp.Token == "" {
		return "", fmt.Errorf("refreshing token: hub returned empty token")
	}

	return resp.Token, nil
}

// FetchDevices returns the full device list for a home. Used to seed the
// registry on (re)connect. Device names are NFC-normalized the same way the
// streaming codec normalizes them.
func (c *Client) FetchDevices(ctx context.Context, homeID, token string) ([]protocol.Device, error) {
	endpoint := "/homes/" + url.PathEscape(homeID) + "/devices"

	var resp struct {
		Devices []protocol.Device `json:"devices"`
	}

	if err := c.do(ctx, http.MethodGet, endpoint, token, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching devices for home %s: %w", homeID, err)
	}

	protocol.NormalizeDevices(resp.Devices)

	return resp.Devices, nil
}

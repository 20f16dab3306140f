package hubapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/home-sync/internal/errors"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
	}
}

// --- do() internals ---

func TestDo_SetsContentTypeAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodPost, "/test", "tok-123", struct{}{}, nil)
	require.NoError(t, err)
}

func TestDo_NoAuthHeaderWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodGet, "/test", "", nil, nil)
	require.NoError(t, err)
}

func TestDo_Non200WithAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"token_expired","msg":"refresh required"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodGet, "/test", "old", nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
	assert.ErrorContains(t, err, "token_expired")
	assert.ErrorContains(t, err, "401")
}

func TestDo_200WithErrorBody(t *testing.T) {
	// The hub can also report errors as 200 with an error field.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"error":"home_not_found"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodGet, "/test", "tok", nil, nil)
	assert.ErrorContains(t, err, "home_not_found")
}

func TestDo_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	c := newTestClient(srv)
	srv.Close()

	err := c.do(context.Background(), http.MethodGet, "/test", "", nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
}

// --- RefreshToken ---

func TestRefreshToken_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/refresh", r.URL.Path)

		body, _ := io.ReadAll(r.Body)

		var req RefreshRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "refresh-abc", req.RefreshToken)

		w.Write([]byte(`{"token":"bearer-new","expires_in":3600}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	token, err := c.RefreshToken(context.Background(), "refresh-abc")
	require.NoError(t, err)
	assert.Equal(t, "bearer-new", token)
}

func TestRefreshToken_EmptyTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"token":""}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.RefreshToken(context.Background(), "refresh-abc")
	assert.ErrorContains(t, err, "empty token")
}

// --- FetchDevices ---

func TestFetchDevices_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/homes/home-1/devices", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"devices":[
			{"device_id":"a","name":"Kitchen","status":{"battery":77}},
			{"device_id":"b"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	devices, err := c.FetchDevices(context.Background(), "home-1", "tok")
	require.NoError(t, err)

	require.Len(t, devices, 2)
	assert.Equal(t, "a", devices[0].ID)
	require.NotNil(t, devices[0].Status.Battery)
	assert.Equal(t, 77, *devices[0].Status.Battery)
}

func TestFetchDevices_EscapesHomeID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/homes/home%2F1/devices", r.URL.EscapedPath())
		w.Write([]byte(`{"devices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.FetchDevices(context.Background(), "home/1", "tok")
	require.NoError(t, err)
}

func TestFetchDevices_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`boom`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.FetchDevices(context.Background(), "home-1", "tok")
	assert.ErrorContains(t, err, "fetching devices")
}

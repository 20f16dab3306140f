// Package homesync maintains the live connection to the hub's event stream
// and reconciles streamed device-state deltas into the registry. It owns the
// connection state machine, the reconnect backoff, and the heartbeat cadence.
package homesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/alexjbarnes/home-sync/internal/auth"
	apperrors "github.com/alexjbarnes/home-sync/internal/errors"
	"github.com/alexjbarnes/home-sync/internal/protocol"
	"github.com/alexjbarnes/home-sync/internal/registry"
)

// inboundChanSize is the buffer size for the channel carrying frames from
// the reader goroutine to the event loop.
const inboundChanSize = 64

// errAuthRejected marks a dial refused by the hub for credential reasons.
// The retry path responds with a token refresh instead of a plain retry.
var errAuthRejected = errors.New("hub rejected credentials")

// Conn abstracts the WebSocket connection so the manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens the stream transport. Injectable for tests.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// Fetcher seeds the registry on (re)connect. *hubapi.Client satisfies this
// interface.
type Fetcher interface {
	FetchDevices(ctx context.Context, homeID, token string) ([]protocol.Device, error)
}

// inboundMsg wraps a frame read from the transport by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Config holds the parameters needed to run the connection manager.
type Config struct {
	// HubHost is the stream endpoint host[:port].
	HubHost string

	// HomeID scopes the stream and the bootstrap fetch.
	HomeID string

	Tokens   auth.Provider
	Fetcher  Fetcher
	Registry *registry.Registry

	// Backoff defaults to DefaultBackoff() when zero.
	Backoff Backoff

	// HeartbeatInterval defaults to 30s when zero.
	HeartbeatInterval time.Duration

	// Dial defaults to the coder/websocket dialer when nil.
	Dial Dialer

	// OnStateChange fires after every connection state transition.
	OnStateChange func(ConnectionState)

	// OnConnectionLost fires once when the reconnect budget is exhausted.
	// The manager will not retry further until Connect is called again.
	OnConnectionLost func(error)
}

// Manager owns the socket lifecycle and drives the state machine
// Disconnected -> Connecting -> Connected -> Reconnecting.
//
// Architecture: a reader goroutine feeds the event loop with raw frames
// over a channel. The event loop routes decoded envelopes to the registry
// or to lifecycle handling, and drives the heartbeat ticker. One connection
// at a time: Connect tears down any previous transport and timers first.
type Manager struct {
	logger *slog.Logger

	hubHost    string
	homeID     string
	tokens     auth.Provider
	fetcher    Fetcher
	registry   *registry.Registry
	backoff    Backoff
	hbInterval time.Duration
	dial       Dialer

	onStateChange    func(ConnectionState)
	onConnectionLost func(error)

	mu      sync.Mutex
	state   ConnectionState
	attempt int

	// runCancel/runDone track the background run loop so Disconnect can
	// cancel the receive loop, the heartbeat, and any pending scheduled
	// retry, and wait for them to stop.
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewManager creates a Manager from the given config.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	backoff := cfg.Backoff
	if backoff.MaxAttempts == 0 {
		backoff = DefaultBackoff()
	}

	dial := cfg.Dial
	if dial == nil {
		dial = dialWebSocket
	}

	return &Manager{
		logger:           logger,
		hubHost:          cfg.HubHost,
		homeID:           cfg.HomeID,
		tokens:           cfg.Tokens,
		fetcher:          cfg.Fetcher,
		registry:         cfg.Registry,
		backoff:          backoff,
		hbInterval:       cfg.HeartbeatInterval,
		dial:             dial,
		onStateChange:    cfg.OnStateChange,
		onConnectionLost: cfg.OnConnectionLost,
		state:            StateDisconnected,
	}
}

// Connect acquires a token and starts the background connection loop.
// When no token is available it fails synchronously with ErrNoToken and no
// socket open is attempted: that is a precondition, not a network error.
// A previous connection, if any, is torn down first.
func (m *Manager) Connect(ctx context.Context) error {
	m.teardown()

	token := m.tokens.CurrentToken()
	if token == "" {
		m.logger.Warn("connect requested with no auth token")
		return apperrors.ErrNoToken
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.runCancel = cancel
	m.runDone = done
	m.attempt = 0
	m.mu.Unlock()

	m.setState(StateConnecting)

	go func() {
		defer close(done)
		m.run(runCtx, token)
	}()

	return nil
}

// Disconnect is valid from any state: it cancels the receive loop, the
// heartbeat, and any pending scheduled retry, waits for them to stop, and
// moves to Disconnected without touching the attempt counter.
func (m *Manager) Disconnect() {
	m.teardown()
	m.setState(StateDisconnected)
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *Manager) teardown() {
	m.mu.Lock()
	cancel := m.runCancel
	done := m.runDone
	m.runCancel = nil
	m.runDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		<-done
	}
}

// run is the connection loop: dial, serve the session, and on failure
// consult the backoff before retrying. Exits on clean cancellation or when
// the retry budget is exhausted.
func (m *Manager) run(ctx context.Context, token string) {
	for {
		err := m.connectOnce(ctx, token)
		if err == nil {
			// Explicit disconnect or parent shutdown.
			m.setState(StateDisconnected)
			return
		}

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		if m.backoff.ShouldGiveUp(attempt) {
			m.logger.Warn("giving up after max reconnect attempts",
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			m.setState(StateDisconnected)

			if m.onConnectionLost != nil {
				m.onConnectionLost(fmt.Errorf("%w: last error: %w", apperrors.ErrMaxAttempts, err))
			}

			return
		}

		m.setState(StateReconnecting)

		delay := m.backoff.NextDelay(attempt - 1)
		m.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
			slog.Int("attempt", attempt),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateDisconnected)

			return
		case <-timer.C:
		}

		token = m.tokenForRetry(ctx, err, token)
	}
}

// tokenForRetry picks the token for the next attempt. The provider may have
// rotated the token in the meantime; an auth-rejected dial additionally
// triggers an explicit refresh. A failed refresh is treated as a transport
// error for backoff purposes: keep the old token and let the dial fail.
func (m *Manager) tokenForRetry(ctx context.Context, lastErr error, token string) string {
	if current := m.tokens.CurrentToken(); current != "" {
		token = current
	}

	if !errors.Is(lastErr, errAuthRejected) {
		return token
	}

	fresh, err := m.tokens.Refresh(ctx)
	if err != nil {
		m.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return token
	}

	m.logger.Info("token refreshed after auth rejection")

	return fresh
}

func (m *Manager) connectOnce(ctx context.Context, token string) error {
	conn, err := m.dial(ctx, m.streamURL(), authHeader(token))
	if err != nil {
		return fmt.Errorf("dialing hub stream: %w", err)
	}

	m.mu.Lock()
	m.attempt = 0
	m.mu.Unlock()

	m.setState(StateConnected)
	m.logger.Info("connected to hub stream",
		slog.String("host", m.hubHost),
		slog.String("home_id", m.homeID),
	)

	return m.session(ctx, conn, token)
}

func (m *Manager) streamURL() string {
	return "wss://" + m.hubHost + "/stream/" + url.PathEscape(m.homeID)
}

func authHeader(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

// dialWebSocket is the production Dialer.
func dialWebSocket(ctx context.Context, streamURL string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", errAuthRejected, resp.StatusCode)
		}

		return nil, err
	}

	return conn, nil
}

// session is the event loop for one connection. It processes inbound frames
// and heartbeat ticks until a transport failure (returned as an error, which
// triggers the reconnect path) or cancellation (returned as nil).
func (m *Manager) session(ctx context.Context, conn Conn, token string) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := m.startReader(connCtx, conn)

	// Seed the registry in the background. Best-effort: a failed fetch is
	// logged and does not revert the connection state; streamed deltas
	// still flow.
	go m.bootstrap(connCtx, token)

	hb := newHeartbeat(m.hbInterval)
	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				// The reader may surface the cancellation before this
				// loop observes ctx.Done. Not a transport failure.
				if ctx.Err() != nil {
					conn.Close(websocket.StatusNormalClosure, "client disconnect")
					return nil
				}

				return fmt.Errorf("reading frame: %w", msg.err)
			}

			hb.touch()
			m.handleFrame(msg.data)

		case <-ticker.C:
			if hb.stale() {
				conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("liveness timeout: nothing received for %s", time.Since(hb.lastMessage).Round(time.Second))
			}

			payload, err := hb.payload()
			if err != nil {
				return fmt.Errorf("encoding heartbeat: %w", err)
			}

			// A failed heartbeat send is equivalent to a receive failure.
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return nil
		}
	}
}

// startReader launches a goroutine that reads from the transport and feeds
// the returned channel. Exits when connCtx is cancelled or a read error
// occurs; the error is delivered as the final message. The channel is
// created per connection so a stale reader from a previous connection can
// never feed the current event loop.
func (m *Manager) startReader(connCtx context.Context, conn Conn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

func (m *Manager) bootstrap(ctx context.Context, token string) {
	if m.fetcher == nil {
		return
	}

	devices, err := m.fetcher.FetchDevices(ctx, m.homeID, token)
	if err != nil {
		m.logger.Warn("bootstrap fetch failed",
			slog.String("home_id", m.homeID),
			slog.String("error", err.Error()),
		)

		return
	}

	m.registry.Bootstrap(devices)
	m.logger.Info("registry seeded from bootstrap fetch", slog.Int("devices", len(devices)))
}

// handleFrame decodes one frame and routes it by envelope type. Malformed
// frames are logged and dropped; the loop continues.
func (m *Manager) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.logger.Debug("dropping malformed frame",
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)

		return
	}

	switch env.Type {
	case protocol.TypeDeviceUpdate:
		if env.DeviceID == "" {
			m.logger.Warn("device_update without device_id, dropping")
			return
		}

		delta := *env.Delta
		if delta.LastSeen == nil && !env.Timestamp.IsZero() {
			ts := env.Timestamp
			delta.LastSeen = &ts
		}

		result := m.registry.ApplyDelta(env.DeviceID, delta)
		m.logger.Debug("device delta applied",
			slog.String("device_id", env.DeviceID),
			slog.Bool("inserted", result == registry.MergeInserted),
		)

	case protocol.TypeDeviceListUpdate:
		// A batch of per-device upserts, not a bootstrap: a partial list
		// must not delete devices absent from it.
		for _, d := range env.Devices {
			if d.ID == "" {
				m.logger.Warn("device list entry without device_id, skipping")
				continue
			}

			m.registry.Replace(d)
		}

		m.logger.Debug("device list folded into registry", slog.Int("devices", len(env.Devices)))

	case protocol.TypeConnectionEstablished, protocol.TypeHeartbeatResponse:
		m.markLive(env.Type)

	case protocol.TypeHeartbeat:
		// Server-initiated heartbeat. No reply beyond our own cadence.
		m.logger.Debug("server heartbeat received")

	default:
		m.logger.Debug("ignoring unrecognized frame type", slog.String("type", env.Type))
	}
}

// markLive self-heals the state machine: any liveness signal while the
// state is not Connected corrects it, covering races between the
// transport-level open event and the application-level handshake
// confirmation.
func (m *Manager) markLive(typ string) {
	if m.State() == StateConnected {
		return
	}

	m.logger.Info("liveness signal while not marked connected, correcting",
		slog.String("type", typ),
	)
	m.setState(StateConnected)
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}

	old := m.state
	m.state = s
	m.mu.Unlock()

	m.logger.Info("connection state changed",
		slog.String("from", old.String()),
		slog.String("to", s.String()),
	)

	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}

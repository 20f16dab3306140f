package homesync

import (
	"time"

	"github.com/alexjbarnes/home-sync/internal/protocol"
)

const (
	defaultHeartbeatInterval = 30 * time.Second

	// staleMultiplier scales the heartbeat interval into the cutoff after
	// which a silent connection is declared dead. Two missed response
	// windows on top of our own send cadence.
	staleMultiplier = 3
)

// heartbeat tracks the keep-alive cadence and liveness window for one
// connection. The event loop owns the ticker; this type owns the
// bookkeeping. Not safe for concurrent use: all calls happen on the event
// loop goroutine.
type heartbeat struct {
	interval    time.Duration
	lastMessage time.Time
}

func newHeartbeat(interval time.Duration) *heartbeat {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	return &heartbeat{
		interval:    interval,
		lastMessage: time.Now(),
	}
}

// touch records that a frame arrived. Any inbound message is a liveness
// signal, regardless of its semantic payload.
func (h *heartbeat) touch() {
	h.lastMessage = time.Now()
}

// stale reports whether the connection has been silent past the cutoff.
func (h *heartbeat) stale() bool {
	return time.Since(h.lastMessage) > h.interval*staleMultiplier
}

// payload returns the encoded outbound heartbeat envelope.
func (h *heartbeat) payload() ([]byte, error) {
	return protocol.Encode(protocol.Heartbeat())
}

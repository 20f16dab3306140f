package homesync

import "time"

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 30 * time.Second
	defaultMaxAttempts = 5

	// maxBackoffShift caps the doubling exponent to prevent integer
	// overflow of time.Duration.
	maxBackoffShift = 10
)

// Backoff computes reconnect delays. Pure and deterministic: the manager
// owns the attempt counter, Backoff owns only the arithmetic. Delays double
// from Base up to Cap; MaxAttempts bounds the retry loop so a dead network
// does not turn into an infinite background retry storm on a mobile client.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the reference policy: 1s, 2s, 4s, 8s, 16s, capped
// at 30s, giving up after 5 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        defaultBackoffBase,
		Cap:         defaultBackoffCap,
		MaxAttempts: defaultMaxAttempts,
	}
}

// NextDelay returns the delay before retry number attempt (zero-based).
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	if attempt > maxBackoffShift {
		return b.Cap
	}

	d := b.Base << attempt
	if d > b.Cap || d <= 0 {
		return b.Cap
	}

	return d
}

// ShouldGiveUp reports whether the attempt counter has exhausted the bound.
func (b Backoff) ShouldGiveUp(attempt int) bool {
	return attempt >= b.MaxAttempts
}

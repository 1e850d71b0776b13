package socket

import (
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultReconnectDelay is the fixed pause between redial attempts.
	DefaultReconnectDelay = 3 * time.Second
	// DefaultReconnectAttempts bounds how many redials follow one
	// unexpected closure before the Conn gives up for good.
	DefaultReconnectAttempts = 5
	// DefaultHandshakeTimeout bounds a single dial.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config sets the endpoint and the reconnection policy for one Conn.
// Zero values fall back to the defaults above.
type Config struct {
	URL               string
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	HandshakeTimeout  time.Duration

	// Clock drives retry pauses. Tests substitute a mock to advance
	// time deterministically; nil means the wall clock.
	Clock clock.Clock
}

func (cfg Config) withDefaults() Config {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

// sleep pauses for the reconnect delay. Returns false if the Conn was
// deliberately closed while waiting.
func (c *Conn) sleep() bool {
	select {
	case <-c.cfg.Clock.After(c.cfg.ReconnectDelay):
		return true
	case <-c.stopCtx.Done():
		return false
	}
}

func (c *Conn) stopped() bool {
	select {
	case <-c.stopCtx.Done():
		return true
	default:
		return false
	}
}

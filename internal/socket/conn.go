package socket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGrace bounds the close handshake: after writing the close frame
// the reader gets this long to observe the peer's reply.
const closeGrace = time.Second

// Hooks are the event callbacks of a Conn. They are invoked
// sequentially from the Conn's single reader goroutine, so a handler
// never races another handler of the same Conn. Nil hooks are skipped.
type Hooks struct {
	OnOpen  func()
	OnFrame func(payload []byte)
	OnClose func(code int, reason string)
}

// Conn owns exactly one duplex socket to a fixed endpoint. On
// unexpected closure it redials with a fixed delay and a bounded
// attempt count; a deliberate Close disables redialing for good.
//
// OnClose fires exactly once, when the Conn reaches terminal Closed:
// after a deliberate close, a clean close by the peer, or exhaustion of
// the redial budget. Drops that are still being retried are only
// logged, so consumers see them as "no data yet" rather than failure.
type Conn struct {
	cfg    Config
	hooks  Hooks
	logger *slog.Logger
	dialer *websocket.Dialer

	stopCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	writeMu sync.Mutex // serializes frame writes

	mu          sync.Mutex
	state       State
	ws          *websocket.Conn
	closeCode   int
	closeReason string
}

func New(cfg Config, hooks Hooks, logger *slog.Logger) *Conn {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		stopCtx: ctx,
		stop:    cancel,
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts connecting in the background. It is a no-op unless the
// Conn is still Idle: a connecting or open Conn keeps its socket, and a
// closing or closed Conn stays down (callers build a fresh Conn per
// connection cycle).
func (c *Conn) Open() {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		c.logger.Debug("socket open ignored", "url", c.cfg.URL, "state", st)
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	go c.run()
}

// Send writes one text frame and reports whether it was written. A
// Conn that is not open drops the frame; the caller decides whether
// that deserves more than the debug log.
func (c *Conn) Send(payload []byte) bool {
	c.mu.Lock()
	ws := c.ws
	st := c.state
	c.mu.Unlock()

	if st != StateOpen || ws == nil {
		c.logger.Debug("socket send skipped", "url", c.cfg.URL, "state", st)
		return false
	}

	c.writeMu.Lock()
	err := ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		// The reader observes the same failure and drives the redial.
		c.logger.Warn("socket write failed", "url", c.cfg.URL, "error", err)
		return false
	}
	return true
}

// Close shuts the Conn down deliberately with the given status code and
// disables any further redialing. Idempotent and safe to call from any
// state.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosing
	c.closeCode = code
	c.closeReason = reason
	ws := c.ws
	c.mu.Unlock()

	// Unblocks a dial or retry pause in flight.
	c.stopOnce.Do(c.stop)

	if ws != nil {
		// Ask the peer to close; the reader finishes the lifecycle when
		// the reply (or the deadline) arrives.
		deadline := time.Now().Add(closeGrace)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("socket close frame not sent", "url", c.cfg.URL, "error", err)
		}
		if err := ws.SetReadDeadline(deadline); err != nil {
			c.logger.Debug("socket read deadline not set", "url", c.cfg.URL, "error", err)
		}
		return
	}

	if prev == StateIdle {
		// Never opened, so no goroutine finishes on our behalf.
		c.finish(code, reason)
	}
}

// run is the connection loop: dial, deliver frames, redial on
// unexpected closure. It owns all state transitions after Open.
func (c *Conn) run() {
	attempts := 0
	for {
		ws, _, err := c.dialer.DialContext(c.stopCtx, c.cfg.URL, nil)
		if err != nil {
			if c.stopped() {
				c.finishDeliberate()
				return
			}
			if attempts == c.cfg.ReconnectAttempts {
				c.logger.Error("socket reconnect attempts exhausted",
					"url", c.cfg.URL,
					"attempts", attempts,
					"error", err,
				)
				c.finish(websocket.CloseAbnormalClosure, "reconnect attempts exhausted")
				return
			}
			attempts++
			c.logger.Warn("socket dial failed",
				"url", c.cfg.URL,
				"attempt", attempts,
				"max_attempts", c.cfg.ReconnectAttempts,
				"retry_in", c.cfg.ReconnectDelay,
				"error", err,
			)
			if !c.sleep() {
				c.finishDeliberate()
				return
			}
			continue
		}

		if !c.markOpen(ws) {
			// Close won the race against the dial.
			_ = ws.Close()
			c.finishDeliberate()
			return
		}
		attempts = 0
		c.logger.Info("socket open", "url", c.cfg.URL)
		if c.hooks.OnOpen != nil {
			c.hooks.OnOpen()
		}

		code, reason := c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		deliberate := c.state == StateClosing
		if !deliberate {
			c.state = StateConnecting
		}
		c.mu.Unlock()
		_ = ws.Close()

		if deliberate {
			c.finishDeliberate()
			return
		}
		if code == websocket.CloseNormalClosure {
			// The peer ended the session cleanly; not ours to redial.
			c.finish(code, reason)
			return
		}

		attempts++
		c.logger.Warn("socket closed unexpectedly",
			"url", c.cfg.URL,
			"code", code,
			"reason", reason,
			"attempt", attempts,
			"max_attempts", c.cfg.ReconnectAttempts,
			"retry_in", c.cfg.ReconnectDelay,
		)
		if !c.sleep() {
			c.finishDeliberate()
			return
		}
	}
}

// readLoop delivers inbound frames until the socket dies and reports
// how it died. Handlers run here, one frame at a time, so consumers
// observe frames in arrival order.
func (c *Conn) readLoop(ws *websocket.Conn) (code int, reason string) {
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			return websocket.CloseAbnormalClosure, err.Error()
		}
		if c.hooks.OnFrame != nil {
			c.hooks.OnFrame(payload)
		}
	}
}

func (c *Conn) markOpen(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	c.ws = ws
	c.state = StateOpen
	return true
}

func (c *Conn) finishDeliberate() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	c.finish(code, reason)
}

// finish moves the Conn to terminal Closed and fires OnClose once.
func (c *Conn) finish(code int, reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.ws = nil
	c.mu.Unlock()

	c.logger.Info("socket closed", "url", c.cfg.URL, "code", code, "reason", reason)
	if c.hooks.OnClose != nil {
		c.hooks.OnClose(code, reason)
	}
}

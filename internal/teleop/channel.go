package teleop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"fleetlink/internal/socket"
	"fleetlink/internal/wire"
)

const (
	DefaultTopic          = "/cmd_vel"
	DefaultTopicType      = "geometry_msgs/Twist"
	DefaultResendInterval = 100 * time.Millisecond
	DefaultStartTimeout   = 5 * time.Second
)

// Phase is the teleop channel lifecycle state.
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseActive
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config sets the control endpoint, the topic and the cadence of a
// Channel. Zero values fall back to the defaults above.
type Config struct {
	Socket         socket.Config
	Topic          string
	TopicType      string
	ResendInterval time.Duration
	StartTimeout   time.Duration

	// Clock drives the resend ticker and the start timeout; tests
	// substitute a mock. It also backs the socket's retry pauses
	// unless the socket config carries its own.
	Clock clock.Clock
}

func (cfg Config) withDefaults() Config {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.TopicType == "" {
		cfg.TopicType = DefaultTopicType
	}
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = DefaultResendInterval
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Socket.Clock == nil {
		cfg.Socket.Clock = cfg.Clock
	}
	return cfg
}

type closeInfo struct {
	code   int
	reason string
}

// Channel drives a best-effort velocity command stream to one robot.
// It owns an outbound socket to the control endpoint, advertises a
// single topic for its lifetime, and republishes the most recent
// non-zero intent on a fixed cadence while active. Intents are a
// latest-value cell: intermediate values between two ticks are
// superseded, never queued.
type Channel struct {
	cfg    Config
	logger *slog.Logger
	clk    clock.Clock

	mu         sync.Mutex
	phase      Phase
	conn       *socket.Conn
	advertised bool
	linear     float64
	angular    float64
	ticker     *clock.Ticker
	tickerStop chan struct{}
}

func NewChannel(cfg Config, logger *slog.Logger) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{cfg: cfg, logger: logger, clk: cfg.Clock}
}

// Phase returns the current lifecycle phase.
func (ch *Channel) Phase() Phase {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.phase
}

// Start brings the channel up: it opens the control socket, waits for
// it bounded by the start timeout and ctx, advertises the topic and
// begins the resend cadence. Starting an already active channel is a
// no-op returning nil. On failure the channel is back in Stopped and
// the error says why.
func (ch *Channel) Start(ctx context.Context) error {
	ch.mu.Lock()
	switch ch.phase {
	case PhaseActive:
		ch.mu.Unlock()
		return nil
	case PhaseStarting, PhaseStopping:
		ph := ch.phase
		ch.mu.Unlock()
		return fmt.Errorf("teleop start: channel is %s", ph)
	}
	ch.phase = PhaseStarting

	opened := make(chan struct{}, 1)
	closed := make(chan closeInfo, 1)
	var c *socket.Conn
	c = socket.New(ch.cfg.Socket, socket.Hooks{
		OnOpen:  func() { ch.handleOpen(c, opened) },
		OnFrame: ch.handleFrame,
		OnClose: func(code int, reason string) {
			select {
			case closed <- closeInfo{code, reason}:
			default:
			}
			ch.handleClose(c, code, reason)
		},
	}, ch.logger)
	ch.conn = c
	ch.mu.Unlock()

	c.Open()

	select {
	case <-opened:
	case ci := <-closed:
		ch.abortStart(c)
		return fmt.Errorf("teleop connect: %s (close code %d)", ci.reason, ci.code)
	case <-ctx.Done():
		ch.abortStart(c)
		return fmt.Errorf("teleop connect: %w", ctx.Err())
	case <-ch.clk.After(ch.cfg.StartTimeout):
		ch.abortStart(c)
		return fmt.Errorf("teleop connect: no open within %s", ch.cfg.StartTimeout)
	}

	ch.mu.Lock()
	if ch.conn != c || ch.phase != PhaseStarting {
		ph := ch.phase
		ch.mu.Unlock()
		return fmt.Errorf("teleop start interrupted: channel is %s", ph)
	}
	ch.phase = PhaseActive
	ch.startTickerLocked()
	ch.mu.Unlock()

	ch.logger.Info("teleop channel active",
		"topic", ch.cfg.Topic,
		"resend_interval", ch.cfg.ResendInterval,
	)
	return nil
}

// SetVelocities stores the driver's current intent. Valid in any
// phase; it never touches the network, the resend cadence does.
func (ch *Channel) SetVelocities(linear, angular float64) {
	ch.mu.Lock()
	ch.linear = linear
	ch.angular = angular
	ch.mu.Unlock()
}

// EmergencyStop zeroes the intent and pushes one zero-velocity command
// out immediately, regardless of where the resend cadence is. The
// phase does not change: commands resume on the next non-zero intent.
func (ch *Channel) EmergencyStop() {
	ch.mu.Lock()
	ch.linear = 0
	ch.angular = 0
	conn := ch.conn
	advertised := ch.advertised
	ch.mu.Unlock()

	ch.logger.Warn("emergency stop", "topic", ch.cfg.Topic)
	if conn == nil || !advertised {
		return
	}
	ch.sendFrame(conn, wire.NewPublish(ch.cfg.Topic, 0, 0))
}

// Stop shuts the channel down cleanly: one final zero-velocity
// command, unadvertise, cadence off, socket closed with code 1000.
// Stopping a channel that is not active is a no-op.
func (ch *Channel) Stop() {
	ch.mu.Lock()
	if ch.phase != PhaseActive {
		ph := ch.phase
		ch.mu.Unlock()
		ch.logger.Debug("teleop stop ignored", "phase", ph)
		return
	}
	ch.phase = PhaseStopping
	ch.stopTickerLocked()
	conn := ch.conn
	advertised := ch.advertised
	ch.conn = nil
	ch.advertised = false
	ch.linear = 0
	ch.angular = 0
	ch.mu.Unlock()

	if conn != nil {
		if advertised {
			ch.sendFrame(conn, wire.NewPublish(ch.cfg.Topic, 0, 0))
			ch.sendFrame(conn, wire.NewUnadvertise(ch.cfg.Topic))
		}
		conn.Close(websocket.CloseNormalClosure, "teleop stopped")
	}

	ch.mu.Lock()
	ch.phase = PhaseStopped
	ch.mu.Unlock()
	ch.logger.Info("teleop channel stopped", "topic", ch.cfg.Topic)
}

// handleOpen advertises the topic on every successful open, including
// reopens after a dropped socket: the robot side forgets advertised
// topics with the connection, so each socket session starts with its
// own advertise before any publish.
func (ch *Channel) handleOpen(c *socket.Conn, opened chan<- struct{}) {
	ch.mu.Lock()
	if ch.conn != c {
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()

	if !ch.sendFrame(c, wire.NewAdvertise(ch.cfg.Topic, ch.cfg.TopicType)) {
		return
	}

	ch.mu.Lock()
	if ch.conn == c {
		ch.advertised = true
	}
	ch.mu.Unlock()

	ch.logger.Info("teleop topic advertised", "topic", ch.cfg.Topic, "type", ch.cfg.TopicType)
	select {
	case opened <- struct{}{}:
	default:
	}
}

// handleClose runs when the socket is gone for good: a redial budget
// that ran out, or a close this channel did not initiate. Deliberate
// stops detach the conn first, so they never get here.
func (ch *Channel) handleClose(c *socket.Conn, code int, reason string) {
	ch.mu.Lock()
	if ch.conn != c {
		ch.mu.Unlock()
		return
	}
	ch.conn = nil
	ch.advertised = false
	ch.stopTickerLocked()
	ch.linear = 0
	ch.angular = 0
	interrupted := ch.phase == PhaseActive || ch.phase == PhaseStarting
	ch.phase = PhaseStopped
	ch.mu.Unlock()

	if interrupted {
		ch.logger.Error("teleop channel lost",
			"topic", ch.cfg.Topic,
			"code", code,
			"reason", reason,
		)
	}
}

// The control endpoint rarely talks back; whatever it says is not part
// of the command stream.
func (ch *Channel) handleFrame(payload []byte) {
	ch.logger.Debug("teleop inbound frame ignored", "size", len(payload))
}

func (ch *Channel) abortStart(c *socket.Conn) {
	ch.mu.Lock()
	if ch.conn == c {
		ch.conn = nil
	}
	ch.advertised = false
	ch.phase = PhaseStopped
	ch.mu.Unlock()

	c.Close(websocket.CloseNormalClosure, "start aborted")
}

func (ch *Channel) startTickerLocked() {
	t := ch.clk.Ticker(ch.cfg.ResendInterval)
	stop := make(chan struct{})
	ch.ticker = t
	ch.tickerStop = stop
	go ch.resendLoop(t, stop)
}

func (ch *Channel) stopTickerLocked() {
	if ch.ticker == nil {
		return
	}
	ch.ticker.Stop()
	close(ch.tickerStop)
	ch.ticker = nil
	ch.tickerStop = nil
}

func (ch *Channel) resendLoop(t *clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-t.C:
			ch.resend()
		case <-stop:
			return
		}
	}
}

// resend pushes the current intent out once per tick. A zero intent
// sends nothing: idle robots should not receive a flood of
// zero-commands, and the staleness window of the last real command is
// bounded by the tick interval.
func (ch *Channel) resend() {
	ch.mu.Lock()
	if ch.phase != PhaseActive {
		ch.mu.Unlock()
		return
	}
	lin, ang := ch.linear, ch.angular
	conn := ch.conn
	advertised := ch.advertised
	ch.mu.Unlock()

	if lin == 0 && ang == 0 {
		return
	}
	if conn == nil || !advertised {
		ch.logger.Warn("teleop publish dropped, topic not advertised", "topic", ch.cfg.Topic)
		return
	}
	ch.sendFrame(conn, wire.NewPublish(ch.cfg.Topic, lin, ang))
}

// publishCurrent sends the current intent immediately, outside the
// resend cadence. The driver uses it for low-latency reaction to input
// changes; a zero intent publishes too, a release has to stop the
// robot without waiting for a tick.
func (ch *Channel) publishCurrent() {
	ch.mu.Lock()
	if ch.phase != PhaseActive {
		ch.mu.Unlock()
		return
	}
	lin, ang := ch.linear, ch.angular
	conn := ch.conn
	advertised := ch.advertised
	ch.mu.Unlock()

	if conn == nil || !advertised {
		ch.logger.Warn("teleop publish dropped, topic not advertised", "topic", ch.cfg.Topic)
		return
	}
	ch.sendFrame(conn, wire.NewPublish(ch.cfg.Topic, lin, ang))
}

func (ch *Channel) sendFrame(conn *socket.Conn, frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		ch.logger.Error("marshal teleop frame", "error", err)
		return false
	}
	if !conn.Send(data) {
		ch.logger.Warn("teleop frame dropped, socket not open", "topic", ch.cfg.Topic)
		return false
	}
	return true
}

// intent reads the current velocity pair. Used by tests.
func (ch *Channel) intent() (linear, angular float64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.linear, ch.angular
}

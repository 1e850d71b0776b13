package teleop

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const (
	DefaultLinearSpeed     = 0.5
	DefaultAngularSpeed    = 1.0
	DefaultMinSendInterval = 100 * time.Millisecond
)

// Input is one held directional control on the operator's side.
type Input int

const (
	Forward Input = iota
	Backward
	Left
	Right
)

func (in Input) String() string {
	switch in {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "unknown"
	}
}

// DriverConfig sets the speeds and the direct-send rate of a Driver.
type DriverConfig struct {
	LinearSpeed     float64
	AngularSpeed    float64
	MinSendInterval time.Duration
	Clock           clock.Clock
}

func (cfg DriverConfig) withDefaults() DriverConfig {
	if cfg.LinearSpeed <= 0 {
		cfg.LinearSpeed = DefaultLinearSpeed
	}
	if cfg.AngularSpeed <= 0 {
		cfg.AngularSpeed = DefaultAngularSpeed
	}
	if cfg.MinSendInterval <= 0 {
		cfg.MinSendInterval = DefaultMinSendInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

// Driver turns discrete input events into the channel's velocity
// intent. It keeps the set of currently held inputs; each change to
// the set recomputes the combined pair (opposing inputs cancel) and
// stores it on the channel. Repeat events for an already-held input
// are dropped, so key-repeat storms never reach the network.
//
// Each change also nudges one command out directly for low latency,
// bounded by a minimum interval between direct sends; a change to the
// all-zero pair bypasses that bound, letting go must stop the robot
// immediately. The channel's own cadence covers whatever the bound
// holds back.
type Driver struct {
	ch      *Channel
	cfg     DriverConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	held    map[Input]bool
	lastLin float64
	lastAng float64
}

func NewDriver(ch *Channel, cfg DriverConfig, logger *slog.Logger) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		ch:      ch,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.MinSendInterval), 1),
		held:    make(map[Input]bool),
	}
}

// Press marks an input held. Already-held inputs are ignored.
func (d *Driver) Press(in Input) {
	d.mu.Lock()
	if d.held[in] {
		d.mu.Unlock()
		return
	}
	d.held[in] = true
	changed, lin, ang := d.recomputeLocked()
	d.mu.Unlock()

	if changed {
		d.forward(lin, ang)
	}
}

// Release clears a held input. Inputs that are not held are ignored.
func (d *Driver) Release(in Input) {
	d.mu.Lock()
	if !d.held[in] {
		d.mu.Unlock()
		return
	}
	delete(d.held, in)
	changed, lin, ang := d.recomputeLocked()
	d.mu.Unlock()

	if changed {
		d.forward(lin, ang)
	}
}

// ReleaseAll drops every held input, as when the operator's window
// loses focus and key-up events can no longer be trusted to arrive.
func (d *Driver) ReleaseAll() {
	d.mu.Lock()
	if len(d.held) == 0 {
		d.mu.Unlock()
		return
	}
	d.held = make(map[Input]bool)
	changed, lin, ang := d.recomputeLocked()
	d.mu.Unlock()

	if changed {
		d.forward(lin, ang)
	}
}

// recomputeLocked combines the held set into one velocity pair and
// reports whether it differs from the last forwarded pair.
func (d *Driver) recomputeLocked() (changed bool, lin, ang float64) {
	if d.held[Forward] {
		lin += d.cfg.LinearSpeed
	}
	if d.held[Backward] {
		lin -= d.cfg.LinearSpeed
	}
	if d.held[Left] {
		ang += d.cfg.AngularSpeed
	}
	if d.held[Right] {
		ang -= d.cfg.AngularSpeed
	}
	if lin == d.lastLin && ang == d.lastAng {
		return false, lin, ang
	}
	d.lastLin, d.lastAng = lin, ang
	return true, lin, ang
}

func (d *Driver) forward(lin, ang float64) {
	d.ch.SetVelocities(lin, ang)
	d.logger.Debug("driver intent", "linear", lin, "angular", ang)

	if lin == 0 && ang == 0 {
		d.ch.publishCurrent()
		return
	}
	if d.limiter.AllowN(d.cfg.Clock.Now(), 1) {
		d.ch.publishCurrent()
	}
}

package telemetry

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"fleetlink/internal/socket"
	"fleetlink/internal/wire"
)

// LifecycleEvent reports a change of the underlying status connection.
// Online carries no code/reason; offline events carry the close code
// and reason of the terminal closure.
type LifecycleEvent struct {
	Online bool
	Code   int
	Reason string
}

type subscription struct {
	id        int
	fn        func(wire.StatusRecord)
	delivered bool
}

// Distributor is the fan-out point for robot status updates. It owns
// one inbound socket to the status endpoint, connects while at least
// one subscriber is registered, caches the most recent record for
// late joiners, and delivers every decoded record to all subscribers
// in registration order.
//
// Callbacks run sequentially: a subscriber never observes record N
// after N+1. Callbacks must not call Subscribe from within a delivery;
// calling their own unsubscribe is fine.
type Distributor struct {
	cfg    socket.Config
	logger *slog.Logger

	deliverMu sync.Mutex // serializes all callback deliveries

	mu        sync.Mutex
	conn      *socket.Conn
	subs      []*subscription
	nextID    int
	last      wire.StatusRecord
	hasLast   bool
	lifecycle func(LifecycleEvent)
}

func New(cfg socket.Config, logger *slog.Logger) *Distributor {
	return &Distributor{cfg: cfg, logger: logger}
}

// SetLifecycleHandler registers the handler called when the status
// connection comes online or goes offline for good. Reconnect cycles in
// progress are not lifecycle changes; they surface only if the redial
// budget runs out.
func (d *Distributor) SetLifecycleHandler(fn func(LifecycleEvent)) {
	d.mu.Lock()
	d.lifecycle = fn
	d.mu.Unlock()
}

// Subscribe registers a callback for status records and returns its
// cancel function. The first subscriber brings the connection up; if a
// record is already cached the callback immediately receives it, so a
// late joiner never waits for the next push. The cancel function is
// idempotent, and removing the last subscriber closes the connection.
func (d *Distributor) Subscribe(fn func(wire.StatusRecord)) (unsubscribe func()) {
	d.mu.Lock()
	sub := &subscription{id: d.nextID, fn: fn}
	d.nextID++
	d.subs = append(d.subs, sub)
	last, has := d.last, d.hasLast
	d.ensureConnLocked()
	d.mu.Unlock()

	if has {
		// Replay the cached record unless a live frame got there first.
		d.deliverMu.Lock()
		d.mu.Lock()
		fresh := !sub.delivered
		sub.delivered = true
		d.mu.Unlock()
		if fresh {
			d.invoke(fn, last)
		}
		d.deliverMu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(sub.id) })
	}
}

// LastData returns the most recent record, if any arrived yet.
func (d *Distributor) LastData() (wire.StatusRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.hasLast
}

// SubscriberCount returns the number of active subscriptions.
func (d *Distributor) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Connected reports whether the status socket is currently open.
func (d *Distributor) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil && d.conn.State() == socket.StateOpen
}

func (d *Distributor) remove(id int) {
	d.mu.Lock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			break
		}
	}
	var conn *socket.Conn
	if len(d.subs) == 0 {
		conn = d.conn
	}
	d.mu.Unlock()

	if conn != nil {
		// No observers left, no reason to hold the connection.
		conn.Close(websocket.CloseNormalClosure, "no subscribers")
	}
}

// ensureConnLocked brings a connection up unless one is already open or
// on its way. Each connection cycle gets a fresh Conn; a closing or
// closed one is replaced.
func (d *Distributor) ensureConnLocked() {
	if d.conn != nil {
		switch d.conn.State() {
		case socket.StateConnecting, socket.StateOpen:
			return
		}
	}

	var c *socket.Conn
	c = socket.New(d.cfg, socket.Hooks{
		OnOpen:  func() { d.handleOpen(c) },
		OnFrame: d.handleFrame,
		OnClose: func(code int, reason string) { d.handleClose(c, code, reason) },
	}, d.logger)
	d.conn = c
	c.Open()
}

// handleFrame decodes one inbound frame and fans it out. A frame that
// does not decode is logged and dropped; it never affects the
// connection or the cache.
func (d *Distributor) handleFrame(payload []byte) {
	rec, err := wire.DecodeStatus(payload)
	if err != nil {
		d.logger.Warn("discarding bad status frame",
			"error", err,
			"payload", string(payload),
		)
		return
	}

	d.mu.Lock()
	d.last = rec
	d.hasLast = true
	snapshot := make([]*subscription, len(d.subs))
	copy(snapshot, d.subs)
	for _, s := range snapshot {
		s.delivered = true
	}
	d.mu.Unlock()

	d.deliverMu.Lock()
	for _, s := range snapshot {
		d.invoke(s.fn, rec)
	}
	d.deliverMu.Unlock()

	d.logger.Debug("status fanned out",
		"subscribers", len(snapshot),
		"status", rec.Motion,
		"battery", rec.BatteryPercent,
	)
}

// invoke shields the distributor from a panicking subscriber so one bad
// consumer cannot take down the rest of the fan-out.
func (d *Distributor) invoke(fn func(wire.StatusRecord), rec wire.StatusRecord) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("status subscriber panicked", "panic", r)
		}
	}()
	fn(rec)
}

func (d *Distributor) handleOpen(c *socket.Conn) {
	d.mu.Lock()
	current := d.conn == c
	fn := d.lifecycle
	d.mu.Unlock()
	if !current {
		return
	}

	d.logger.Info("telemetry stream online", "url", d.cfg.URL)
	if fn != nil {
		fn(LifecycleEvent{Online: true})
	}
}

func (d *Distributor) handleClose(c *socket.Conn, code int, reason string) {
	d.mu.Lock()
	current := d.conn == c
	if current {
		d.conn = nil
	}
	fn := d.lifecycle
	d.mu.Unlock()
	if !current {
		return
	}

	d.logger.Info("telemetry stream offline", "code", code, "reason", reason)
	if fn != nil {
		fn(LifecycleEvent{Online: false, Code: code, Reason: reason})
	}
}

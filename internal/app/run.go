// Package app wires the agent's components from config and owns their
// lifetimes.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"fleetlink/internal/bridge"
	"fleetlink/internal/config"
	"fleetlink/internal/db"
	"fleetlink/internal/migrate"
	"fleetlink/internal/session"
	"fleetlink/internal/socket"
	"fleetlink/internal/telemetry"
	"fleetlink/internal/teleop"
	"fleetlink/internal/wire"
)

// Agent bundles the long-lived components of the fleetlink daemon.
// The telemetry distributor and its sinks run for the daemon's
// lifetime; the teleop channel and driver stay stopped until an
// embedding consumer starts them.
type Agent struct {
	Telemetry *telemetry.Distributor
	Teleop    *teleop.Channel
	Driver    *teleop.Driver
	Sessions  session.Store // nil when SQLITE_PATH is empty

	cfg    config.Config
	logger *slog.Logger

	db     *sql.DB             // nil when sessions are disabled
	mqtt   *bridge.MQTT        // nil when MQTT_BROKER is empty
	mirror *bridge.RedisMirror // nil when REDIS_ADDR is empty

	closeOnce sync.Once

	mu        sync.Mutex
	sessionID int64 // open session row, 0 when none
}

// Run wires an Agent from cfg and drives it until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	agent, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return agent.Run(ctx)
}

// New wires the agent's components from cfg. The session database and
// the Redis mirror are opened eagerly so a bad address fails startup;
// the MQTT connection is established by Run through the broker retry
// loop. Callers that never Run release resources with Close.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Agent, error) {
	a := &Agent{cfg: cfg, logger: logger}

	if cfg.SQLitePath != "" {
		dbh, err := db.Open(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open session database: %w", err)
		}
		if err := migrate.Run(dbh, logger); err != nil {
			_ = dbh.Close()
			return nil, fmt.Errorf("migrate session database: %w", err)
		}
		a.db = dbh
		a.Sessions = session.NewStore(dbh, logger)
	}

	if cfg.MQTTBroker != "" {
		a.mqtt = bridge.NewMQTT(cfg, logger)
	}

	if cfg.RedisAddr != "" {
		mirror, err := bridge.NewRedisMirror(ctx, cfg, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.mirror = mirror
	}

	a.Telemetry = telemetry.New(socket.Config{
		URL:               cfg.StatusURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectAttempts: cfg.ReconnectAttempts,
	}, logger)
	a.Telemetry.SetLifecycleHandler(a.handleLifecycle)

	a.Teleop = teleop.NewChannel(teleop.Config{
		Socket: socket.Config{
			URL:               cfg.TeleopURL,
			ReconnectDelay:    cfg.ReconnectDelay,
			ReconnectAttempts: cfg.ReconnectAttempts,
		},
		Topic:          cfg.TeleopTopic,
		TopicType:      cfg.TeleopType,
		ResendInterval: cfg.ResendInterval,
		StartTimeout:   cfg.StartTimeout,
	}, logger)

	a.Driver = teleop.NewDriver(a.Teleop, teleop.DriverConfig{
		LinearSpeed:     cfg.LinearSpeed,
		AngularSpeed:    cfg.AngularSpeed,
		MinSendInterval: cfg.DriverMinSendInterval,
	}, logger)

	logger.Info("agent wired",
		"robot_id", cfg.RobotID,
		"status_url", cfg.StatusURL,
		"teleop_url", cfg.TeleopURL,
		"sessions", a.Sessions != nil,
		"mqtt", a.mqtt != nil,
		"redis", a.mirror != nil,
	)
	return a, nil
}

// Run attaches the sinks to the telemetry stream and blocks until ctx
// is cancelled, then drains in reverse order: status socket, teleop
// channel, open session row, outward sinks, database.
func (a *Agent) Run(ctx context.Context) error {
	if a.mqtt != nil {
		go func() {
			if err := a.mqtt.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("mqtt connect failed", "error", err)
			}
		}()
	}

	unsubscribe := a.Telemetry.Subscribe(a.forwardStatus)

	<-ctx.Done()
	a.logger.Info("agent shutting down")

	unsubscribe()
	a.Teleop.Stop()

	// The offline lifecycle event may have closed the session already;
	// EndSession tolerates that.
	a.mu.Lock()
	if a.Sessions != nil && a.sessionID != 0 {
		if err := a.Sessions.EndSession(a.sessionID, session.ReasonShutdown); err != nil {
			a.logger.Error("end session", "error", err)
		}
		a.sessionID = 0
	}
	a.mu.Unlock()

	// Push the offline flags; the async close event may have beaten
	// us to it, in which case these overwrite with the same value.
	if a.mqtt != nil {
		if err := a.mqtt.PublishHealth(false); err != nil {
			a.logger.Warn("health publish failed", "error", err)
		}
	}
	if a.mirror != nil {
		if err := a.mirror.SetOnline(context.Background(), false); err != nil {
			a.logger.Warn("online flag update failed", "error", err)
		}
	}

	a.Close()
	return nil
}

// Close releases the agent's sinks and database. Idempotent; Run
// performs it on the way out.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		if a.mqtt != nil {
			a.mqtt.Disconnect()
		}
		if a.mirror != nil {
			if err := a.mirror.Close(); err != nil {
				a.logger.Warn("redis close", "error", err)
			}
		}
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				a.logger.Warn("db close", "error", err)
			}
		}
	})
}

// forwardStatus fans one decoded record out to the optional sinks.
// Sink errors are logged and dropped; the stream carries on.
func (a *Agent) forwardStatus(rec wire.StatusRecord) {
	if a.mqtt != nil {
		if err := a.mqtt.PublishStatus(rec); err != nil {
			a.logger.Warn("status publish failed", "error", err)
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Mirror(context.Background(), rec); err != nil {
			a.logger.Warn("status mirror failed", "error", err)
		}
	}
}

// handleLifecycle reacts to the status stream coming up or going down:
// it opens and closes session rows and pushes the health flag to the
// sinks. A normal closure means the agent let go of the stream itself,
// so the session ends with the shutdown reason; anything else is a
// lost connection. Runs on the socket goroutine; the run ctx may
// already be gone when the offline event lands, so sink writes use
// their own timeouts.
func (a *Agent) handleLifecycle(ev telemetry.LifecycleEvent) {
	if ev.Online {
		a.logger.Info("robot online", "robot_id", a.cfg.RobotID)
	} else {
		a.logger.Info("robot offline",
			"robot_id", a.cfg.RobotID,
			"code", ev.Code,
			"reason", ev.Reason,
		)
	}

	if a.Sessions != nil {
		a.mu.Lock()
		if ev.Online {
			id, err := a.Sessions.StartSession(a.cfg.RobotID)
			if err != nil {
				a.logger.Error("start session", "error", err)
			} else {
				a.sessionID = id
			}
		} else if a.sessionID != 0 {
			reason := session.ReasonConnectionLost
			if ev.Code == websocket.CloseNormalClosure {
				reason = session.ReasonShutdown
			}
			if err := a.Sessions.EndSession(a.sessionID, reason); err != nil {
				a.logger.Error("end session", "error", err)
			}
			a.sessionID = 0
		}
		a.mu.Unlock()
	}

	if a.mqtt != nil {
		if err := a.mqtt.PublishHealth(ev.Online); err != nil {
			a.logger.Warn("health publish failed", "error", err)
		}
	}
	if a.mirror != nil {
		if err := a.mirror.SetOnline(context.Background(), ev.Online); err != nil {
			a.logger.Warn("online flag update failed", "error", err)
		}
	}
}

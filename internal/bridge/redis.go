package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"fleetlink/internal/config"
	"fleetlink/internal/wire"
)

// RedisMirror keeps the latest status readable at robot:<id>:status,
// robot:<id>:battery and robot:<id>:last_poi, and announces each
// update on the robot:<id>:status channel for dashboards that poll
// nothing and subscribe instead.
type RedisMirror struct {
	client  *redis.Client
	robotID string
	logger  *slog.Logger
}

func NewRedisMirror(ctx context.Context, cfg config.Config, logger *slog.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("redis mirror connected", "addr", cfg.RedisAddr)
	return &RedisMirror{client: client, robotID: cfg.RobotID, logger: logger}, nil
}

// Mirror writes one record's fields and publishes the full payload in
// a single pipeline round trip.
func (r *RedisMirror) Mirror(ctx context.Context, rec wire.StatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.key("status"), rec.Motion.String(), 0)
	pipe.Set(ctx, r.key("battery"), rec.BatteryPercent, 0)
	pipe.Set(ctx, r.key("last_poi"), rec.LastLocation, 0)
	pipe.Publish(ctx, r.key("status"), data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror status: %w", err)
	}

	r.logger.Debug("mirrored status", "motion", rec.Motion, "battery", rec.BatteryPercent)
	return nil
}

// SetOnline flips the robot's reachability flag.
func (r *RedisMirror) SetOnline(ctx context.Context, online bool) error {
	if err := r.client.Set(ctx, r.key("online"), strconv.FormatBool(online), 0).Err(); err != nil {
		return fmt.Errorf("set online flag: %w", err)
	}
	return nil
}

func (r *RedisMirror) Close() error {
	return r.client.Close()
}

func (r *RedisMirror) key(field string) string {
	return fmt.Sprintf("robot:%s:%s", r.robotID, field)
}

// Package bridge mirrors the live status stream into the fleet's
// shared infrastructure. Each sink subscribes to the distributor like
// any other consumer; the stream works the same with none of them.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fleetlink/internal/config"
	"fleetlink/internal/wire"
)

// MQTT republishes every status record on robots/<id>/status and keeps
// a retained robots/<id>/health message current, so fleet consumers
// learn a robot's reachability without replaying the stream.
type MQTT struct {
	client  mqtt.Client
	robotID string
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

type statusMessage struct {
	RobotID   string    `json:"robot_id"`
	Timestamp time.Time `json:"timestamp"`
	wire.StatusRecord
}

type healthMessage struct {
	RobotID  string    `json:"robot_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

func NewMQTT(cfg config.Config, logger *slog.Logger) *MQTT {
	m := &MQTT{
		robotID: cfg.RobotID,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		m.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect waits for the initial broker connection, bounded by ctx and
// by Disconnect.
func (m *MQTT) Connect(ctx context.Context) error {
	select {
	case <-m.stopCh:
		return fmt.Errorf("mqtt bridge stopped")
	default:
	}

	if m.IsConnected() {
		return nil
	}

	token := m.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return fmt.Errorf("mqtt bridge stopped")
		default:
		}
	}
}

// PublishStatus forwards one status record to the fleet topic, QoS 1.
func (m *MQTT) PublishStatus(rec wire.StatusRecord) error {
	if !m.IsConnected() {
		return fmt.Errorf("mqtt bridge not connected")
	}

	topic := statusTopic(m.robotID)
	data, err := json.Marshal(statusMessage{
		RobotID:      m.robotID,
		Timestamp:    time.Now().UTC(),
		StatusRecord: rec,
	})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	token := m.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		m.logger.Error("failed to publish status", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish status: %w", token.Error())
	}

	m.logger.Debug("published status", "topic", topic, "motion", rec.Motion)
	return nil
}

// PublishHealth updates the retained reachability message. New
// subscribers get the latest health without waiting for a change.
func (m *MQTT) PublishHealth(online bool) error {
	if !m.IsConnected() {
		return fmt.Errorf("mqtt bridge not connected")
	}

	topic := healthTopic(m.robotID)
	data, err := json.Marshal(healthMessage{
		RobotID:  m.robotID,
		Online:   online,
		LastSeen: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}

	token := m.client.Publish(topic, 1, true, data) // retained
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		m.logger.Error("failed to publish health", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish health: %w", token.Error())
	}

	m.logger.Debug("published health", "topic", topic, "online", online)
	return nil
}

func (m *MQTT) IsConnected() bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	return connected && m.client.IsConnected()
}

// Disconnect stops the bridge and closes the broker connection.
// Idempotent; Connect afterwards reports the bridge as stopped.
func (m *MQTT) Disconnect() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	if m.client != nil {
		m.client.Disconnect(250)
	}

	m.setConnected(false)
	m.logger.Info("mqtt bridge disconnected")
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func statusTopic(robotID string) string {
	return fmt.Sprintf("robots/%s/status", robotID)
}

func healthTopic(robotID string) string {
	return fmt.Sprintf("robots/%s/health", robotID)
}

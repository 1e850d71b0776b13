package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"fleetlink/internal/config"
	"fleetlink/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testMQTTConfig() config.Config {
	return config.Config{
		RobotID:      "robot-7",
		MQTTBroker:   "127.0.0.1",
		MQTTPort:     1,
		MQTTClientID: "bridge-test",
	}
}

func TestTopics(t *testing.T) {
	if got, want := statusTopic("robot-7"), "robots/robot-7/status"; got != want {
		t.Errorf("statusTopic = %q, want %q", got, want)
	}
	if got, want := healthTopic("robot-7"), "robots/robot-7/health"; got != want {
		t.Errorf("healthTopic = %q, want %q", got, want)
	}
}

func TestStatusMessage_WireShape(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	data, err := json.Marshal(statusMessage{
		RobotID:   "robot-7",
		Timestamp: ts,
		StatusRecord: wire.StatusRecord{
			Motion:         wire.MotionActive,
			BatteryPercent: 87,
			LastLocation:   "dockA",
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"robot_id":"robot-7","timestamp":"2026-03-14T09:26:53Z","status":"active","battery":87,"last_poi":"dockA"}`
	if string(data) != want {
		t.Errorf("status message = %s, want %s", data, want)
	}
}

func TestHealthMessage_WireShape(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	data, err := json.Marshal(healthMessage{
		RobotID:  "robot-7",
		Online:   true,
		LastSeen: ts,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"robot_id":"robot-7","online":true,"last_seen":"2026-03-14T09:26:53Z"}`
	if string(data) != want {
		t.Errorf("health message = %s, want %s", data, want)
	}
}

func TestMQTT_PublishBeforeConnect(t *testing.T) {
	m := NewMQTT(testMQTTConfig(), discardLogger())

	err := m.PublishStatus(wire.StatusRecord{Motion: wire.MotionIdle, BatteryPercent: 50})
	if err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("PublishStatus() error = %v, want not-connected", err)
	}
	if err := m.PublishHealth(true); err == nil {
		t.Error("PublishHealth() error = nil, want not-connected")
	}
}

func TestMQTT_ConnectHonorsContext(t *testing.T) {
	m := NewMQTT(testMQTTConfig(), discardLogger())
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Port 1 never answers; the bounded wait is all that ends this.
	err := m.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestMQTT_DisconnectIsIdempotent(t *testing.T) {
	m := NewMQTT(testMQTTConfig(), discardLogger())

	m.Disconnect()
	m.Disconnect()

	err := m.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "stopped") {
		t.Errorf("Connect() after Disconnect error = %v, want stopped", err)
	}
}

func TestRedisMirror_KeyScheme(t *testing.T) {
	r := &RedisMirror{robotID: "robot-7"}

	tests := []struct {
		field string
		want  string
	}{
		{field: "status", want: "robot:robot-7:status"},
		{field: "battery", want: "robot:robot-7:battery"},
		{field: "last_poi", want: "robot:robot-7:last_poi"},
		{field: "online", want: "robot:robot-7:online"},
	}
	for _, tt := range tests {
		if got := r.key(tt.field); got != tt.want {
			t.Errorf("key(%q) = %q, want %q", tt.field, got, tt.want)
		}
	}
}

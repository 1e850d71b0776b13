package wire

import (
	"encoding/json"
	"fmt"
)

// MotionState describes what the robot is currently doing.
type MotionState string

const (
	MotionActive   MotionState = "active"
	MotionIdle     MotionState = "idle"
	MotionCharging MotionState = "charging"
	MotionOffline  MotionState = "offline"
)

func (m MotionState) String() string { return string(m) }

// StatusRecord is one decoded robot status update. Records are plain
// values: a new record fully replaces the previous one, never merges.
// The JSON field names (status, battery, last_poi) are fixed by the
// robot side and are not ours to rename.
type StatusRecord struct {
	Motion         MotionState `json:"status"`
	BatteryPercent float64     `json:"battery"`
	LastLocation   string      `json:"last_poi"`
}

// DecodeStatus parses and validates one inbound status frame.
// A frame that fails here is the caller's to log and discard; a bad
// frame is never a reason to tear down the connection.
func DecodeStatus(payload []byte) (StatusRecord, error) {
	var rec StatusRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return StatusRecord{}, fmt.Errorf("parse status frame: %w", err)
	}
	if err := validateStatus(rec); err != nil {
		return StatusRecord{}, err
	}
	return rec, nil
}

func validateStatus(rec StatusRecord) error {
	switch rec.Motion {
	case MotionActive, MotionIdle, MotionCharging, MotionOffline:
	case "":
		return fmt.Errorf("status is required")
	default:
		return fmt.Errorf("unknown status %q", rec.Motion)
	}

	if rec.BatteryPercent < 0 || rec.BatteryPercent > 100 {
		return fmt.Errorf("battery out of range: %v (must be 0-100)", rec.BatteryPercent)
	}

	return nil
}

package wire

import (
	"strings"
	"testing"
)

func TestDecodeStatus_Valid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    StatusRecord
	}{
		{
			name:    "active with location",
			payload: `{"status":"active","battery":87,"last_poi":"dockA"}`,
			want:    StatusRecord{Motion: MotionActive, BatteryPercent: 87, LastLocation: "dockA"},
		},
		{
			name:    "idle without location",
			payload: `{"status":"idle","battery":42}`,
			want:    StatusRecord{Motion: MotionIdle, BatteryPercent: 42},
		},
		{
			name:    "charging at full battery",
			payload: `{"status":"charging","battery":100,"last_poi":"charger-2"}`,
			want:    StatusRecord{Motion: MotionCharging, BatteryPercent: 100, LastLocation: "charger-2"},
		},
		{
			name:    "offline at empty battery",
			payload: `{"status":"offline","battery":0,"last_poi":""}`,
			want:    StatusRecord{Motion: MotionOffline, BatteryPercent: 0},
		},
		{
			name:    "extra fields ignored",
			payload: `{"status":"active","battery":55,"last_poi":"hall","pose":{"x":1}}`,
			want:    StatusRecord{Motion: MotionActive, BatteryPercent: 55, LastLocation: "hall"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeStatus([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeStatus() error = %v, want nil", err)
			}
			if got != tt.want {
				t.Errorf("DecodeStatus() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeStatus_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{name: "malformed json", payload: `{"status":`, wantErr: "parse status frame"},
		{name: "not an object", payload: `[1,2,3]`, wantErr: "parse status frame"},
		{name: "battery wrong type", payload: `{"status":"active","battery":"full"}`, wantErr: "parse status frame"},
		{name: "missing status", payload: `{"battery":50}`, wantErr: "status is required"},
		{name: "unknown status", payload: `{"status":"exploded","battery":50}`, wantErr: "unknown status"},
		{name: "battery negative", payload: `{"status":"idle","battery":-1}`, wantErr: "battery out of range"},
		{name: "battery above hundred", payload: `{"status":"idle","battery":100.5}`, wantErr: "battery out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeStatus([]byte(tt.payload))
			if err == nil {
				t.Fatal("DecodeStatus() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("DecodeStatus() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

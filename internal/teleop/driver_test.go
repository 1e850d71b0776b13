package teleop

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"fleetlink/internal/socket"
)

// setupDriver brings up an active channel with the resend cadence
// parked out of the way, so every frame after the advertise is a
// direct send from the driver.
func setupDriver(t *testing.T, minSend time.Duration) (*teleopServer, *clock.Mock, *Channel, *Driver) {
	t.Helper()
	s := newTeleopServer(t)
	mock := clock.NewMock()
	ch := NewChannel(Config{
		Socket: socket.Config{
			URL:               s.url,
			ReconnectDelay:    20 * time.Millisecond,
			ReconnectAttempts: 2,
			HandshakeTimeout:  time.Second,
		},
		ResendInterval: time.Hour,
		StartTimeout:   2 * time.Second,
		Clock:          mock,
	}, discardLogger())
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, want nil", err)
	}
	waitForFrames(t, s, 1)

	d := NewDriver(ch, DriverConfig{
		LinearSpeed:     0.5,
		AngularSpeed:    1.0,
		MinSendInterval: minSend,
		Clock:           mock,
	}, discardLogger())
	return s, mock, ch, d
}

func TestDriver_PressSendsScaledCommand(t *testing.T) {
	s, _, ch, d := setupDriver(t, 100*time.Millisecond)

	d.Press(Forward)

	frames := waitForFrames(t, s, 2)
	want := frameRec{Op: "publish", Topic: "/cmd_vel", Lin: 0.5}
	if frames[1] != want {
		t.Errorf("frame after Press = %+v, want %+v", frames[1], want)
	}
	if lin, ang := ch.intent(); lin != 0.5 || ang != 0 {
		t.Errorf("intent = (%v, %v), want (0.5, 0)", lin, ang)
	}
}

func TestDriver_KeyRepeatIsIgnored(t *testing.T) {
	s, _, _, d := setupDriver(t, 100*time.Millisecond)

	// Held keys fire repeat events; only the first press counts.
	d.Press(Forward)
	d.Press(Forward)
	d.Press(Forward)

	waitForFrames(t, s, 2)
}

func TestDriver_ReleaseWithoutPressIsIgnored(t *testing.T) {
	s, _, ch, d := setupDriver(t, 100*time.Millisecond)

	d.Release(Backward)

	waitForFrames(t, s, 1)
	if lin, ang := ch.intent(); lin != 0 || ang != 0 {
		t.Errorf("intent = (%v, %v), want (0, 0)", lin, ang)
	}
}

func TestDriver_OpposingInputsCancel(t *testing.T) {
	s, _, ch, d := setupDriver(t, 100*time.Millisecond)

	d.Press(Forward)
	waitForFrames(t, s, 2)

	// Backward joins Forward: the pair collapses to zero, which goes
	// out immediately.
	d.Press(Backward)
	frames := waitForFrames(t, s, 3)
	want := frameRec{Op: "publish", Topic: "/cmd_vel"}
	if frames[2] != want {
		t.Errorf("frame after opposing press = %+v, want %+v", frames[2], want)
	}
	if lin, ang := ch.intent(); lin != 0 || ang != 0 {
		t.Errorf("intent = (%v, %v), want (0, 0)", lin, ang)
	}
}

func TestDriver_ReleaseStopsImmediately(t *testing.T) {
	// A bound of an hour starves the limiter after the first send;
	// the stop command must go out anyway.
	s, _, _, d := setupDriver(t, time.Hour)

	d.Press(Forward)
	waitForFrames(t, s, 2)

	d.Release(Forward)
	frames := waitForFrames(t, s, 3)
	want := frameRec{Op: "publish", Topic: "/cmd_vel"}
	if frames[2] != want {
		t.Errorf("frame after Release = %+v, want zero publish %+v", frames[2], want)
	}
}

func TestDriver_DirectSendsAreRateLimited(t *testing.T) {
	s, mock, ch, d := setupDriver(t, 100*time.Millisecond)

	d.Press(Forward)
	waitForFrames(t, s, 2)
	d.Release(Forward)
	waitForFrames(t, s, 3)

	// The budget is spent, so this change rides on the intent alone.
	d.Press(Left)
	waitForFrames(t, s, 3)
	if lin, ang := ch.intent(); lin != 0 || ang != 1.0 {
		t.Errorf("intent = (%v, %v), want (0, 1)", lin, ang)
	}

	// Once the interval has passed, direct sends resume.
	mock.Add(100 * time.Millisecond)
	d.Press(Forward)
	frames := waitForFrames(t, s, 4)
	want := frameRec{Op: "publish", Topic: "/cmd_vel", Lin: 0.5, Ang: 1.0}
	if frames[3] != want {
		t.Errorf("frame after refill = %+v, want %+v", frames[3], want)
	}
}

func TestDriver_ReleaseAllClearsEverything(t *testing.T) {
	s, _, ch, d := setupDriver(t, time.Hour)

	d.Press(Forward)
	waitForFrames(t, s, 2)
	d.Press(Left)
	waitForFrames(t, s, 2)
	if lin, ang := ch.intent(); lin != 0.5 || ang != 1.0 {
		t.Fatalf("intent = (%v, %v), want (0.5, 1)", lin, ang)
	}

	d.ReleaseAll()
	frames := waitForFrames(t, s, 3)
	want := frameRec{Op: "publish", Topic: "/cmd_vel"}
	if frames[2] != want {
		t.Errorf("frame after ReleaseAll = %+v, want zero publish %+v", frames[2], want)
	}
	if lin, ang := ch.intent(); lin != 0 || ang != 0 {
		t.Errorf("intent = (%v, %v), want (0, 0)", lin, ang)
	}

	// Nothing held, nothing to do.
	d.ReleaseAll()
	waitForFrames(t, s, 3)
}

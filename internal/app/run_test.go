package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fleetlink/internal/config"
	"fleetlink/internal/db"
	"fleetlink/internal/session"
	"fleetlink/internal/teleop"
)

// statusServer is a stand-in robot status endpoint that the agent's
// telemetry socket dials.
type statusServer struct {
	srv *httptest.Server
	url string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newStatusServer(t *testing.T) *statusServer {
	t.Helper()
	s := &statusServer{}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	s.url = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	t.Cleanup(s.srv.Close)
	return s
}

func (s *statusServer) push(t *testing.T, payload string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatal("no live status connection")
	}
	ws := s.conns[len(s.conns)-1]
	if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("push status: %v", err)
	}
}

// down closes the listener and every live connection so redials fail.
func (s *statusServer) down() {
	s.srv.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		_ = ws.UnderlyingConn().Close()
	}
	s.conns = nil
}

func testAgentConfig(t *testing.T, statusURL string) config.Config {
	t.Helper()
	return config.Config{
		RobotID:           "robot-1",
		StatusURL:         statusURL,
		TeleopURL:         "ws://127.0.0.1:1/teleop",
		ReconnectDelay:    20 * time.Millisecond,
		ReconnectAttempts: 2,
		SQLitePath:        filepath.Join(t.TempDir(), "sessions.db"),
		MaxOpenConns:      1,
		MaxIdleConns:      1,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func startAgent(t *testing.T, a *Agent) (cancel context.CancelFunc, done chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return cancel, done
}

func TestAgent_SessionFollowsStream(t *testing.T) {
	s := newStatusServer(t)
	cfg := testAgentConfig(t, s.url+"/status")

	a, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cancel, done := startAgent(t, a)
	defer cancel()

	waitFor(t, func() bool {
		active, err := a.Sessions.ActiveSession(cfg.RobotID)
		return err == nil && active != nil
	}, "session row after connect")

	s.push(t, `{"status":"active","battery":87,"last_poi":"dock_a"}`)
	waitFor(t, func() bool {
		_, ok := a.Telemetry.LastData()
		return ok
	}, "cached status record")

	rec, _ := a.Telemetry.LastData()
	if got, want := rec.BatteryPercent, 87.0; got != want {
		t.Errorf("battery = %v, want %v", got, want)
	}

	// Take the endpoint down for good; the bounded redials must run
	// out and the session must close as a lost connection.
	s.down()

	waitFor(t, func() bool {
		active, err := a.Sessions.ActiveSession(cfg.RobotID)
		return err == nil && active == nil
	}, "session closed after losing the stream")

	rows, err := a.Sessions.RecentSessions(cfg.RobotID, 5)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d session rows, want 1", len(rows))
	}
	if got, want := rows[0].EndReason, session.ReasonConnectionLost; got != want {
		t.Errorf("end reason = %q, want %q", got, want)
	}
	if rows[0].EndedAt == nil {
		t.Error("ended session has no ended_at")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestAgent_ShutdownClosesSession(t *testing.T) {
	s := newStatusServer(t)
	cfg := testAgentConfig(t, s.url+"/status")

	a, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cancel, done := startAgent(t, a)

	waitFor(t, func() bool {
		active, err := a.Sessions.ActiveSession(cfg.RobotID)
		return err == nil && active != nil
	}, "session row after connect")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// Run released its handle, so read the outcome through a fresh one.
	dbh, err := db.Open(cfg, discardLogger())
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer dbh.Close()

	rows, err := session.NewStore(dbh, discardLogger()).RecentSessions(cfg.RobotID, 5)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d session rows, want 1", len(rows))
	}
	if got, want := rows[0].EndReason, session.ReasonShutdown; got != want {
		t.Errorf("end reason = %q, want %q", got, want)
	}
	if rows[0].EndedAt == nil {
		t.Error("ended session has no ended_at")
	}
}

func TestNew_AllSinksDisabled(t *testing.T) {
	cfg := config.Config{
		RobotID:   "robot-1",
		StatusURL: "ws://127.0.0.1:1/status",
		TeleopURL: "ws://127.0.0.1:1/teleop",
	}

	a, err := New(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if a.Sessions != nil {
		t.Error("session store wired without SQLITE_PATH")
	}
	if a.mqtt != nil {
		t.Error("mqtt bridge wired without MQTT_BROKER")
	}
	if a.mirror != nil {
		t.Error("redis mirror wired without REDIS_ADDR")
	}
	if got, want := a.Teleop.Phase(), teleop.PhaseStopped; got != want {
		t.Errorf("teleop phase = %v, want %v", got, want)
	}

	a.Close()
	a.Close()
}

// Package session records when a robot's telemetry stream came online
// and why it went away again. One row per connection lifetime.
package session

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"
)

//go:embed sql/insert-session.sql
var insertSessionSQL string

//go:embed sql/close-dangling-sessions.sql
var closeDanglingSQL string

//go:embed sql/end-session.sql
var endSessionSQL string

//go:embed sql/get-active-session.sql
var getActiveSessionSQL string

//go:embed sql/get-recent-sessions.sql
var getRecentSessionsSQL string

// End reasons written by the agent. Anything else is accepted too;
// these are the ones dashboards filter on.
const (
	ReasonConnectionLost = "connection_lost"
	ReasonShutdown       = "shutdown"
	ReasonSuperseded     = "superseded"
)

// Session is one connection lifetime of a robot's telemetry stream.
// EndedAt is nil while the session is still open.
type Session struct {
	ID        int64
	RobotID   string
	StartedAt time.Time
	EndedAt   *time.Time
	EndReason string
}

type Store interface {
	// StartSession opens a new session and returns its id. A dangling
	// open session for the same robot (a crash left it unclosed) is
	// ended first with reason "superseded".
	StartSession(robotID string) (int64, error)
	// EndSession closes an open session with the given reason. Ending
	// a session that is already closed is a no-op.
	EndSession(id int64, reason string) error
	// ActiveSession returns the open session for the robot, or nil.
	ActiveSession(robotID string) (*Session, error)
	// RecentSessions returns up to limit sessions, newest first.
	RecentSessions(robotID string, limit int) ([]Session, error)
}

type storeImpl struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) Store {
	return &storeImpl{db: db, logger: logger}
}

func (s *storeImpl) StartSession(robotID string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(closeDanglingSQL, now, ReasonSuperseded, robotID)
	if err != nil {
		return 0, fmt.Errorf("close dangling sessions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Warn("closed dangling robot sessions", "robot", robotID, "count", n)
	}

	res, err = tx.Exec(insertSessionSQL, robotID, now)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

func (s *storeImpl) EndSession(id int64, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(endSessionSQL, now, reason, id)
	if err != nil {
		return fmt.Errorf("end session %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug("session already ended", "session", id)
	}
	return nil
}

func (s *storeImpl) ActiveSession(robotID string) (*Session, error) {
	row := s.db.QueryRow(getActiveSessionSQL, robotID)
	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active session for %s: %w", robotID, err)
	}
	return &sess, nil
}

func (s *storeImpl) RecentSessions(robotID string, limit int) ([]Session, error) {
	rows, err := s.db.Query(getRecentSessionsSQL, robotID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sessions for %s: %w", robotID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("close sessions rows", "error", err)
		}
	}()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(scan func(...any) error) (Session, error) {
	var (
		sess      Session
		startedAt string
		endedAt   sql.NullString
		reason    sql.NullString
	)
	if err := scan(&sess.ID, &sess.RobotID, &startedAt, &endedAt, &reason); err != nil {
		return Session{}, err
	}

	t, err := parseTimestamp(startedAt)
	if err != nil {
		return Session{}, err
	}
	sess.StartedAt = t

	if endedAt.Valid {
		t, err := parseTimestamp(endedAt.String)
		if err != nil {
			return Session{}, err
		}
		sess.EndedAt = &t
	}
	if reason.Valid {
		sess.EndReason = reason.String
	}
	return sess, nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		var err2 error
		t, err2 = time.Parse(time.RFC3339, s)
		if err2 != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: RFC3339Nano: %w; RFC3339: %w", s, err, err2)
		}
	}
	return t, nil
}

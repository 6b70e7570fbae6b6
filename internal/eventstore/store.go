package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	_ "modernc.org/sqlite"
)

// Event is one recorded pipeline event.
type Event struct {
	ID        int64                  `json:"id"`
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	Payload   protocol.PipelineEvent `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// Session summarizes a session from its most recent events.
type Session struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	Transcript string    `json:"transcript"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store wraps a SQLite-backed session timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. The "ephemeral"
// retention mode keeps nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    state TEXT NOT NULL DEFAULT '',
    transcript TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordPipelineEvent appends evt to its session's timeline and refreshes
// the session summary.
func (s *Store) RecordPipelineEvent(ctx context.Context, evt protocol.PipelineEvent) error {
	if s.disabled() || evt.SessionID == "" {
		return nil
	}
	created := evt.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ms := created.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, state, transcript, error_kind, created_at, updated_at)
		 VALUES(?, ?, '', '', ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET updated_at=excluded.updated_at`,
		evt.SessionID, evt.State, ms, ms); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	switch evt.Type {
	case protocol.EventState:
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET state=? WHERE session_id=?`, evt.State, evt.SessionID)
	case protocol.EventSegments, protocol.EventCompleted:
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET transcript=? WHERE session_id=?`, evt.Text, evt.SessionID)
	case protocol.EventFailed:
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET error_kind=? WHERE session_id=?`, evt.ErrorKind, evt.SessionID)
	}
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, payload, ms); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, state, transcript, error_kind, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var rec Session
		var created, updated int64
		if err := rows.Scan(&rec.SessionID, &rec.State, &rec.Transcript, &rec.ErrorKind, &created, &updated); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		rec.UpdatedAt = time.UnixMilli(updated).UTC()
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were recorded.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			s.log.Warn("skipping undecodable event", slog.Int64("id", e.ID), slog.String("error", err.Error()))
			continue
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

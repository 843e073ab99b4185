// Package eventstore journals streaming session lifecycles in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Session is the latest known state of one streaming job.
type Session struct {
	ID          string
	Remote      string
	Avatar      string
	AudioPath   string
	Status      string
	TotalFrames int
	SentFrames  int
	Skipped     int
	DurationMS  int64
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is one recorded lifecycle transition.
type Event struct {
	ID        int64
	SessionID string
	Status    string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the SQLite journal. In ephemeral mode it records nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    remote TEXT,
    avatar TEXT,
    audio_path TEXT,
    status TEXT NOT NULL,
    total_frames INTEGER NOT NULL DEFAULT 0,
    sent_frames INTEGER NOT NULL DEFAULT 0,
    skipped_frames INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    status TEXT NOT NULL,
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

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Record upserts the session row and appends the transition.
func (s *Store) Record(ctx context.Context, ev protocol.SessionEvent) error {
	if s.disabled() {
		return nil
	}
	if ev.SessionID == "" {
		return errors.New("session event without id")
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = s.clock()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, remote, avatar, audio_path, status, total_frames, sent_frames,
		                      skipped_frames, duration_ms, error, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		     status=excluded.status,
		     total_frames=excluded.total_frames,
		     sent_frames=excluded.sent_frames,
		     skipped_frames=excluded.skipped_frames,
		     duration_ms=excluded.duration_ms,
		     error=excluded.error,
		     updated_at=excluded.updated_at`,
		ev.SessionID, ev.Remote, ev.Avatar, ev.AudioPath, ev.Status, ev.TotalFrames, ev.SentFrames,
		ev.Skipped, ev.DurationMS, ev.Error, at.UnixMilli(), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(session_id, status, payload, created_at) VALUES(?, ?, ?, ?)`,
		ev.SessionID, ev.Status, payload, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

// Observe records ev and logs failures. Journal problems never affect the
// stream itself.
func (s *Store) Observe(ctx context.Context, ev protocol.SessionEvent) {
	if err := s.Record(ctx, ev); err != nil {
		s.log.Warn("journal write failed",
			slog.String("session_id", ev.SessionID),
			slog.String("status", ev.Status),
			slog.String("error", err.Error()))
	}
}

// GetSession returns the latest state of one session.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	if s.disabled() {
		return Session{}, ErrNotFound
	}
	var (
		sess             Session
		remote, avatar   sql.NullString
		audio, errMsg    sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, remote, avatar, audio_path, status, total_frames, sent_frames, skipped_frames,
		        duration_ms, error, created_at, updated_at
		 FROM sessions WHERE session_id = ?`, id).
		Scan(&sess.ID, &remote, &avatar, &audio, &sess.Status, &sess.TotalFrames, &sess.SentFrames,
			&sess.Skipped, &sess.DurationMS, &errMsg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.Remote, sess.Avatar, sess.AudioPath, sess.Error = remote.String, avatar.String, audio.String, errMsg.String
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.UpdatedAt = time.UnixMilli(updated).UTC()
	return sess, nil
}

// ListSessionEvents retrieves up to limit transitions for a session in order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, status, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Status, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
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
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE session_id NOT IN (SELECT session_id FROM sessions)`); err != nil {
		return err
	}
	return tx.Commit()
}

// RunPruner prunes every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.disabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/memoist/core/internal/domain"
	"github.com/memoist/core/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_type TEXT NOT NULL,
		state TEXT NOT NULL,
		origin TEXT NOT NULL,
		audio_offset INTEGER NOT NULL DEFAULT -1,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, last_activity_at);

	CREATE TABLE IF NOT EXISTS transcript_fragments (
		session_id TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		text TEXT NOT NULL,
		final INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_session ON transcript_fragments(session_id, start_offset);

	CREATE TABLE IF NOT EXISTS capture_events (
		event_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_ref TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON capture_events(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession persists a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, workflow_id, workflow_type, state, origin, created_at, last_activity_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.WorkflowID, string(sess.WorkflowType),
		string(sess.State), string(sess.Origin),
		sess.CreatedAt.Unix(), sess.LastActivityAt.Unix(),
	)
	if err != nil {
		if shared.IsSQLiteConstraintError(err) {
			return domain.Wrap(domain.ErrConflict, "create session %s", sess.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func scanSession(row interface{ Scan(...interface{}) error }) (*domain.Session, error) {
	var sess domain.Session
	var workflowType, state, origin string
	var createdAt, lastActivity int64

	err := row.Scan(
		&sess.ID, &sess.WorkflowID, &workflowType,
		&state, &origin, &createdAt, &lastActivity,
	)
	if err != nil {
		return nil, err
	}

	sess.WorkflowType = domain.WorkflowType(workflowType)
	sess.State = domain.State(state)
	sess.Origin = domain.Origin(origin)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivityAt = time.Unix(lastActivity, 0)
	return &sess, nil
}

const sessionColumns = `session_id, workflow_id, workflow_type, state, origin, created_at, last_activity_at`

// GetSession retrieves a session by identifier.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Wrap(domain.ErrNotFound, "session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// Transition atomically applies a lifecycle event. The read and the guarded
// update run in one transaction so concurrent callers for the same session
// serialize on the row.
func (s *SQLiteStore) Transition(ctx context.Context, sessionID string, event domain.TransitionEvent) (domain.State, error) {
	var next domain.State
	err := shared.RetryOnBusy(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		next, err = s.transitionOnce(ctx, sessionID, event)
		return err
	})
	return next, err
}

func (s *SQLiteStore) transitionOnce(ctx context.Context, sessionID string, event domain.TransitionEvent) (domain.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE session_id = ?`, sessionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.Wrap(domain.ErrNotFound, "session %s", sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("read session state: %w", err)
	}

	from := domain.State(current)
	if from == domain.StateCompleted {
		return "", domain.Wrap(domain.ErrSessionCompleted, "session %s", sessionID)
	}
	next, ok := domain.NextState(from, event)
	if !ok {
		return "", domain.Wrap(domain.ErrInvalidTransition, "session %s: %s from %s", sessionID, event, from)
	}

	// Guard on the observed state so a racing writer cannot be overwritten.
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET state = ?, last_activity_at = ? WHERE session_id = ? AND state = ?`,
		string(next), time.Now().Unix(), sessionID, current)
	if err != nil {
		return "", fmt.Errorf("update session state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return "", domain.Wrap(domain.ErrInvalidTransition, "session %s: concurrent state change", sessionID)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transition: %w", err)
	}
	return next, nil
}

// ListIncomplete returns sessions that are not completed, newest first.
func (s *SQLiteStore) ListIncomplete(ctx context.Context, origin domain.Origin) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE state != ?`
	args := []interface{}{string(domain.StateCompleted)}
	if origin != "" {
		query += ` AND origin = ?`
		args = append(args, string(origin))
	}
	query += ` ORDER BY created_at DESC`

	return s.querySessions(ctx, query, args...)
}

// ListDisconnectedSince returns disconnected sessions idle since cutoff.
func (s *SQLiteStore) ListDisconnectedSince(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE state = ? AND last_activity_at <= ? ORDER BY last_activity_at`
	return s.querySessions(ctx, query, string(domain.StateDisconn), cutoff.Unix())
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchActivity bumps the session's last-activity timestamp.
func (s *SQLiteStore) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`,
		at.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.Wrap(domain.ErrNotFound, "session %s", sessionID)
	}
	return nil
}

// AppendFragment persists a transcript fragment with finality monotonicity.
func (s *SQLiteStore) AppendFragment(ctx context.Context, frag *domain.TranscriptFragment) error {
	return shared.RetryOnBusy(ctx, 3, 50*time.Millisecond, func() error {
		return s.appendFragmentOnce(ctx, frag)
	})
}

func (s *SQLiteStore) appendFragmentOnce(ctx context.Context, frag *domain.TranscriptFragment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// A finalized range is immutable: drop partials that overlap one.
	var finals int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_fragments
		 WHERE session_id = ? AND final = 1 AND start_offset < ? AND end_offset > ?`,
		frag.SessionID, frag.EndOffset, frag.StartOffset).Scan(&finals)
	if err != nil {
		return fmt.Errorf("check finalized overlap: %w", err)
	}
	if !frag.Final && finals > 0 {
		return nil
	}

	if frag.Final {
		// The final result supersedes the partials it covers.
		_, err = tx.ExecContext(ctx,
			`DELETE FROM transcript_fragments
			 WHERE session_id = ? AND final = 0 AND start_offset < ? AND end_offset > ?`,
			frag.SessionID, frag.EndOffset, frag.StartOffset)
		if err != nil {
			return fmt.Errorf("supersede partials: %w", err)
		}
	}

	final := 0
	if frag.Final {
		final = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcript_fragments (session_id, start_offset, end_offset, text, final, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		frag.SessionID, frag.StartOffset, frag.EndOffset, frag.Text, final, frag.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert fragment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ListFragments returns a session's fragments ordered by start offset.
func (s *SQLiteStore) ListFragments(ctx context.Context, sessionID string) ([]*domain.TranscriptFragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, start_offset, end_offset, text, final, created_at
		 FROM transcript_fragments WHERE session_id = ? ORDER BY start_offset, final`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var frags []*domain.TranscriptFragment
	for rows.Next() {
		var frag domain.TranscriptFragment
		var final int
		var createdAt int64
		if err := rows.Scan(&frag.SessionID, &frag.StartOffset, &frag.EndOffset,
			&frag.Text, &final, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fragment row: %w", err)
		}
		frag.Final = final == 1
		frag.CreatedAt = time.Unix(createdAt, 0)
		frags = append(frags, &frag)
	}
	return frags, rows.Err()
}

// HighestAudioOffset returns the ingested-audio high-water mark.
func (s *SQLiteStore) HighestAudioOffset(ctx context.Context, sessionID string) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx,
		`SELECT audio_offset FROM sessions WHERE session_id = ?`, sessionID).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.Wrap(domain.ErrNotFound, "session %s", sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("read audio offset: %w", err)
	}
	return offset, nil
}

// AdvanceAudioOffset raises the high-water mark; lower offsets are ignored.
func (s *SQLiteStore) AdvanceAudioOffset(ctx context.Context, sessionID string, offset int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET audio_offset = ? WHERE session_id = ? AND audio_offset < ?`,
		offset, sessionID, offset)
	if err != nil {
		return fmt.Errorf("advance audio offset: %w", err)
	}
	return nil
}

// RecordEvent persists a capture event.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event *domain.CaptureEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capture_events (event_id, session_id, event_type, payload_ref, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, string(event.Type), event.PayloadRef, event.CreatedAt.Unix())
	if err != nil {
		if shared.IsSQLiteConstraintError(err) {
			return domain.Wrap(domain.ErrConflict, "record event %s", event.ID)
		}
		return fmt.Errorf("insert capture event: %w", err)
	}
	return nil
}

// ListEvents returns a session's capture events in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]*domain.CaptureEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, session_id, event_type, payload_ref, created_at
		 FROM capture_events WHERE session_id = ? ORDER BY created_at, event_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query capture events: %w", err)
	}
	defer rows.Close()

	var events []*domain.CaptureEvent
	for rows.Next() {
		var ev domain.CaptureEvent
		var evType string
		var payloadRef sql.NullString
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &evType, &payloadRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scan capture event row: %w", err)
		}
		ev.Type = domain.CaptureEventType(evType)
		ev.PayloadRef = payloadRef.String
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session directory persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// createSchema creates all tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id    TEXT PRIMARY KEY,
		channel_type  TEXT NOT NULL,
		channel_id    TEXT NOT NULL,
		chat_id       TEXT NOT NULL,
		user_id       TEXT NOT NULL DEFAULT '',
		user_name     TEXT NOT NULL DEFAULT '',
		paired        INTEGER NOT NULL DEFAULT 0,
		pairing_code  TEXT,
		created_at    TEXT NOT NULL,
		last_activity TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_identity
		ON sessions(channel_type, channel_id, chat_id, user_id);

	CREATE TABLE IF NOT EXISTS approval_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		user_id      TEXT,
		decision     TEXT,
		actions_json TEXT,
		ts           TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approval_events_session
		ON approval_events(session_id, ts);

	CREATE TABLE IF NOT EXISTS worker_usage (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL,
		provider      TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL DEFAULT '',
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms    INTEGER NOT NULL DEFAULT 0,
		success       INTEGER NOT NULL,
		error_code    TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_worker_usage_session
		ON worker_usage(session_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateSession inserts a new session directory record.
// Returns ErrDuplicateSession if a session with the same ID exists.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (session_id, channel_type, channel_id, chat_id, user_id, user_name, paired, pairing_code, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.ChannelType,
		session.ChannelID,
		session.ChatID,
		session.UserID,
		session.UserName,
		boolToInt(session.Paired),
		nullString(session.PairingCode),
		session.CreatedAt.UTC().Format(time.RFC3339),
		session.LastActivity.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session",
		"session_id", session.ID,
		"channel_type", session.ChannelType,
		"chat_id", session.ChatID,
	)
	return nil
}

// GetSession retrieves a session by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT session_id, channel_type, channel_id, chat_id, user_id, user_name, paired, pairing_code, created_at, last_activity
		FROM sessions
		WHERE session_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT session_id, channel_type, channel_id, chat_id, user_id, user_name, paired, pairing_code, created_at, last_activity
		FROM sessions
		ORDER BY last_activity DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return sessions, nil
}

// SetPairingCode stores the active pairing code for an unpaired session.
func (s *SQLiteStore) SetPairingCode(ctx context.Context, id, code string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pairing_code = ? WHERE session_id = ? AND paired = 0`,
		code, id,
	)
	if err != nil {
		return fmt.Errorf("setting pairing code: %w", err)
	}
	return requireRowAffected(result)
}

// MarkPaired durably marks a session as paired and invalidates its pairing code.
func (s *SQLiteStore) MarkPaired(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET paired = 1, pairing_code = NULL WHERE session_id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("marking session paired: %w", err)
	}
	return requireRowAffected(result)
}

// TouchSession updates the session's last-activity timestamp.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return requireRowAffected(result)
}

// DeleteSession removes a session from the directory. Operator-initiated only.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return requireRowAffected(result)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanSession scans a row into a Session.
func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var session Session
	var paired int
	var pairingCode sql.NullString
	var createdStr, activityStr string

	err := scanner.Scan(
		&session.ID,
		&session.ChannelType,
		&session.ChannelID,
		&session.ChatID,
		&session.UserID,
		&session.UserName,
		&paired,
		&pairingCode,
		&createdStr,
		&activityStr,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	session.Paired = paired != 0
	if pairingCode.Valid {
		session.PairingCode = pairingCode.String
	}

	session.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	session.LastActivity, err = time.Parse(time.RFC3339, activityStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}

	return &session, nil
}

// requireRowAffected converts a zero-row update into ErrNotFound.
func requireRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures in the error text
	return strings.Contains(err.Error(), "constraint failed")
}

// nullString returns nil for empty strings so SQLite stores NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

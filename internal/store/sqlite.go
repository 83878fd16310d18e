// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session and ordered message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout has fixed-width fractional seconds so stored timestamps sort
// lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

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

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer. One connection keeps seq assignment and
	// per-connection pragmas consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

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

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq           INTEGER NOT NULL,
			role          TEXT NOT NULL,
			content       TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,

			UNIQUE(session_id, seq),
			CHECK (role IN ('user', 'assistant'))
		);

		CREATE TABLE IF NOT EXISTS activities (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			session_id    TEXT,
			kind          TEXT NOT NULL,
			summary       TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_activities_user ON activities(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_activities_session ON activities(session_id);

		CREATE TABLE IF NOT EXISTS workflow_calls (
			id               TEXT PRIMARY KEY,
			invocation_id    TEXT NOT NULL,
			session_id       TEXT,
			workflow_name    TEXT NOT NULL,
			attempt          INTEGER NOT NULL,
			request_payload  TEXT,
			response_payload TEXT,
			status_code      INTEGER,
			status           TEXT NOT NULL,
			error_message    TEXT,
			latency_ms       INTEGER NOT NULL,
			created_at       TEXT NOT NULL,

			CHECK (status IN ('success', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_workflow_calls_invocation ON workflow_calls(invocation_id, attempt);
		CREATE INDEX IF NOT EXISTS idx_workflow_calls_created ON workflow_calls(created_at);

		CREATE TABLE IF NOT EXISTS llm_requests (
			id                TEXT PRIMARY KEY,
			session_id        TEXT,
			provider          TEXT NOT NULL,
			model             TEXT NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens      INTEGER NOT NULL DEFAULT 0,
			latency_ms        INTEGER NOT NULL,
			status            TEXT NOT NULL,
			error_message     TEXT,
			created_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_llm_requests_session ON llm_requests(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_llm_requests_created ON llm_requests(created_at);

		CREATE TABLE IF NOT EXISTS task_lists (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			name        TEXT NOT NULL,
			color       TEXT NOT NULL,
			position    INTEGER NOT NULL DEFAULT 0,
			default_key TEXT UNIQUE,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_task_lists_user ON task_lists(user_id);

		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			list_id       TEXT NOT NULL REFERENCES task_lists(id) ON DELETE CASCADE,
			user_id       TEXT NOT NULL,
			session_id    TEXT,
			title         TEXT NOT NULL,
			description   TEXT,
			priority      TEXT NOT NULL DEFAULT 'medium',
			status        TEXT NOT NULL DEFAULT 'open',
			due_date      TEXT,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,

			CHECK (priority IN ('low', 'medium', 'high'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(list_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession creates a new session.
// Generates ID and timestamps if not set. Returns ErrDuplicateSession if the ID is taken.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	query := `
		INSERT INTO sessions (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.Title,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "user_id", session.UserID)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// ListSessions returns a user's sessions ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, userID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []*Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var session Session
	var createdAtStr, updatedAtStr string

	if err := scanner.Scan(
		&session.ID,
		&session.UserID,
		&session.Title,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	if session.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if session.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &session, nil
}

// Append persists a message at the end of the session.
// The seq is computed inside the INSERT so it is assigned atomically.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID

	metadataJSON, err := marshalJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling message metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO messages (id, session_id, seq, role, content, metadata_json, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?, ?, ?, ?)
		RETURNING seq
	`

	err = tx.QueryRowContext(ctx, query,
		msg.ID,
		sessionID,
		sessionID,
		string(msg.Role),
		msg.Content,
		metadataJSON,
		formatTime(msg.CreatedAt),
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), sessionID,
	); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "session_id", sessionID, "seq", msg.Seq, "role", msg.Role)
	return nil
}

// GetRecent retrieves the most recent messages for a session.
// Messages are returned in seq order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetRecent(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Take the newest N, then flip back to ascending order
		query = `
			SELECT id, session_id, seq, role, content, metadata_json, created_at
			FROM (
				SELECT id, session_id, seq, role, content, metadata_json, created_at
				FROM messages
				WHERE session_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{sessionID, limit}
	} else {
		query = `
			SELECT id, session_id, seq, role, content, metadata_json, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY seq ASC
		`
		args = []any{sessionID}
	}

	return s.queryMessages(ctx, query, args...)
}

// ListMessages returns a page of the session's messages oldest first together
// with the session's total message count.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*Message, int, error) {
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	query := `
		SELECT id, session_id, seq, role, content, metadata_json, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`

	messages, err := s.queryMessages(ctx, query, sessionID, normalizeLimit(limit), offset)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var role, createdAtStr string
		var metadataJSON *string

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &role, &msg.Content, &metadataJSON, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Role = Role(role)

		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		if msg.Metadata, err = unmarshalJSON(metadataJSON); err != nil {
			return nil, fmt.Errorf("unmarshaling message metadata: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func marshalJSON(v map[string]any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func unmarshalJSON(s *string) (map[string]any, error) {
	if s == nil {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(*s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)

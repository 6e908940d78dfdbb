// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides message-log persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
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
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
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
		CREATE TABLE IF NOT EXISTS message_logs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			recipient TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'plain-text',
			is_group INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_message_logs_session
			ON message_logs(session_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveMessageLog records one send attempt.
func (s *SQLiteStore) SaveMessageLog(ctx context.Context, log *MessageLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO message_logs (id, session_id, recipient, kind, is_group, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		log.ID,
		log.SessionID,
		log.Recipient,
		log.Kind,
		boolToInt(log.Group),
		log.Status,
		log.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message log: %w", err)
	}

	s.logger.Debug("saved message log",
		"id", log.ID,
		"session_id", log.SessionID,
		"recipient", log.Recipient,
		"status", log.Status,
	)
	return nil
}

// RecentMessageLogs returns a session's newest entries, newest first.
func (s *SQLiteStore) RecentMessageLogs(ctx context.Context, sessionID string, limit int) ([]*MessageLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, recipient, kind, is_group, status, created_at
		FROM message_logs
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying message logs: %w", err)
	}
	defer rows.Close()

	var logs []*MessageLog
	for rows.Next() {
		var log MessageLog
		var isGroup int
		var createdAt string
		if err := rows.Scan(&log.ID, &log.SessionID, &log.Recipient, &log.Kind, &isGroup, &log.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message log: %w", err)
		}
		log.Group = isGroup != 0
		log.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// DeleteSessionLogs drops all log entries for a session.
func (s *SQLiteStore) DeleteSessionLogs(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM message_logs WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting message logs: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ABOUTME: Store interface and data types for the ursender message log
// ABOUTME: Records every outbound send for the surrounding application's history views

package store

import (
	"context"
	"time"
)

// Send statuses recorded in the log.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// MessageLog is one outbound send attempt.
type MessageLog struct {
	ID        string
	SessionID string
	Recipient string
	Kind      string // "plain-text" or the template type
	Group     bool
	Status    string // "sent" or "failed"
	CreatedAt time.Time
}

// Store persists the outbound message log.
type Store interface {
	// SaveMessageLog records one send attempt. ID and CreatedAt are filled
	// in when zero.
	SaveMessageLog(ctx context.Context, log *MessageLog) error

	// RecentMessageLogs returns a session's newest log entries, newest
	// first, capped at limit.
	RecentMessageLogs(ctx context.Context, sessionID string, limit int) ([]*MessageLog, error)

	// DeleteSessionLogs drops all log entries for a session.
	DeleteSessionLogs(ctx context.Context, sessionID string) error

	Close() error
}

// Package store persists the durable record of sessions, executed
// commands, and audit events. SQLite and PostgreSQL backends are provided.
package store

import (
	"context"
	"time"
)

// Audit actions recorded by the server.
const (
	ActionSessionRegistered = "session.registered"
	ActionSessionClosed     = "session.closed"
	ActionCommandSent       = "command.sent"
	ActionResultReceived    = "result.received"
	ActionAuthRejected      = "auth.rejected"
)

// SessionRecord is the durable trace of one agent session.
type SessionRecord struct {
	ID           string     `json:"id"`
	ClientID     string     `json:"client_id"`
	RemoteAddr   string     `json:"remote_addr"`
	RegisteredAt time.Time  `json:"registered_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// CommandRecord is one completed command/result round trip.
type CommandRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Command    string    `json:"command"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ReturnCode int       `json:"return_code"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEvent is one recorded lifecycle or security event.
type AuditEvent struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	SessionID string    `json:"session_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface shared by the SQLite and PostgreSQL
// backends. All methods are safe for concurrent use.
type Store interface {
	RecordSession(ctx context.Context, rec *SessionRecord) error
	CloseSession(ctx context.Context, sessionID string, at time.Time) error
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	AppendCommand(ctx context.Context, rec *CommandRecord) error
	ListCommands(ctx context.Context, sessionID string, limit int) ([]CommandRecord, error)

	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	PurgeOldCommands(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

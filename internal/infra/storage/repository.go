// Package storage provides the persistence layer for the simulation server.
// This package implements the repository pattern to keep the domain pure.
// Everything written here is an audit record; simulation state is never
// restored from it.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// EventRecord mirrors events.SimEvent for persistence. Payload holds JSON.
type EventRecord struct {
	Seq       int64     `json:"seq" db:"seq"`
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	EventType string    `json:"event_type" db:"event_type"`
	ActorID   string    `json:"actor_id" db:"actor_id"`
	Room      string    `json:"room" db:"room"`
	Payload   string    `json:"payload" db:"payload"`
}

// EventRepository defines the interface for audit event persistence.
type EventRepository interface {
	// Append adds a new event to the immutable ledger.
	Append(ctx context.Context, event EventRecord) error

	// GetBySessionID retrieves all events of one session in append order.
	GetBySessionID(ctx context.Context, sessionID string) ([]EventRecord, error)

	// GetByEventType retrieves all events of a specific type within a session.
	GetByEventType(ctx context.Context, sessionID, eventType string) ([]EventRecord, error)
}

// ActionRecord is one resolved emergency as it appeared in the session's log,
// plus the trust value that followed it.
type ActionRecord struct {
	Seq             int64     `json:"seq" db:"seq"`
	SessionID       string    `json:"session_id" db:"session_id"`
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
	Event           string    `json:"event" db:"event"`
	Response        string    `json:"response" db:"response"`
	Cost            int       `json:"cost" db:"cost"`
	BudgetRemaining int       `json:"budget_remaining" db:"budget_remaining"`
	Trust           int       `json:"trust" db:"trust"`
}

// ActionLogRepository stores each session's resolved emergencies.
type ActionLogRepository interface {
	Append(ctx context.Context, action ActionRecord) error
	GetBySessionID(ctx context.Context, sessionID string) ([]ActionRecord, error)
}

// UserRecord is a login account.
type UserRecord struct {
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// UserRepository stores login accounts.
type UserRepository interface {
	// Upsert inserts the account or replaces its password hash.
	Upsert(ctx context.Context, user UserRecord) error

	// GetByUsername returns ErrNotFound for unknown accounts.
	GetByUsername(ctx context.Context, username string) (*UserRecord, error)
}

// SessionRecord tracks when a viewer's session began and how it ended.
type SessionRecord struct {
	SessionID string       `json:"session_id" db:"session_id"`
	Username  string       `json:"username" db:"username"`
	StartedAt time.Time    `json:"started_at" db:"started_at"`
	EndedAt   sql.NullTime `json:"-" db:"ended_at"`
	EndReason string       `json:"end_reason" db:"end_reason"`
}

// SessionRepository records session lifecycles.
type SessionRepository interface {
	Start(ctx context.Context, rec SessionRecord) error
	End(ctx context.Context, sessionID string, endedAt time.Time, reason string) error
	GetByID(ctx context.Context, sessionID string) (*SessionRecord, error)
}

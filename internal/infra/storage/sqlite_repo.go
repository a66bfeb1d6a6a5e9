package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ---------------------------------------------------------
// SQLiteEventRepository
// ---------------------------------------------------------

// SQLiteEventRepository implements EventRepository for SQLite. It accepts a
// *sqlx.DB or a *sqlx.Tx.
type SQLiteEventRepository struct {
	db sqlx.ExtContext
}

func NewSQLiteEventRepository(db sqlx.ExtContext) *SQLiteEventRepository {
	return &SQLiteEventRepository{db: db}
}

func (r *SQLiteEventRepository) Append(ctx context.Context, event EventRecord) error {
	event.Timestamp = event.Timestamp.UTC()
	query := `
		INSERT INTO events (id, session_id, timestamp, event_type, actor_id, room, payload)
		VALUES (:id, :session_id, :timestamp, :event_type, :actor_id, :room, :payload)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, event); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

const selectEvents = `SELECT seq, id, session_id, timestamp, event_type, actor_id, room, payload FROM events`

func (r *SQLiteEventRepository) GetBySessionID(ctx context.Context, sessionID string) ([]EventRecord, error) {
	var out []EventRecord
	err := sqlx.SelectContext(ctx, r.db, &out, selectEvents+` WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	return out, err
}

func (r *SQLiteEventRepository) GetByEventType(ctx context.Context, sessionID, eventType string) ([]EventRecord, error) {
	var out []EventRecord
	err := sqlx.SelectContext(ctx, r.db, &out,
		selectEvents+` WHERE session_id = ? AND event_type = ? ORDER BY seq ASC`, sessionID, eventType)
	return out, err
}

// ---------------------------------------------------------
// SQLiteActionLogRepository
// ---------------------------------------------------------

type SQLiteActionLogRepository struct {
	db sqlx.ExtContext
}

func NewSQLiteActionLogRepository(db sqlx.ExtContext) *SQLiteActionLogRepository {
	return &SQLiteActionLogRepository{db: db}
}

func (r *SQLiteActionLogRepository) Append(ctx context.Context, action ActionRecord) error {
	action.Timestamp = action.Timestamp.UTC()
	query := `
		INSERT INTO action_log (session_id, timestamp, event, response, cost, budget_remaining, trust)
		VALUES (:session_id, :timestamp, :event, :response, :cost, :budget_remaining, :trust)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, action); err != nil {
		return fmt.Errorf("failed to append action: %w", err)
	}
	return nil
}

func (r *SQLiteActionLogRepository) GetBySessionID(ctx context.Context, sessionID string) ([]ActionRecord, error) {
	var out []ActionRecord
	err := sqlx.SelectContext(ctx, r.db, &out, `
		SELECT seq, session_id, timestamp, event, response, cost, budget_remaining, trust
		FROM action_log WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	return out, err
}

// ---------------------------------------------------------
// SQLiteUserRepository
// ---------------------------------------------------------

type SQLiteUserRepository struct {
	db *sqlx.DB
}

func NewSQLiteUserRepository(db *sqlx.DB) *SQLiteUserRepository {
	return &SQLiteUserRepository{db: db}
}

func (r *SQLiteUserRepository) Upsert(ctx context.Context, user UserRecord) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.CreatedAt = user.CreatedAt.UTC()
	query := `
		INSERT INTO users (username, password_hash, created_at)
		VALUES (:username, :password_hash, :created_at)
		ON CONFLICT(username) DO UPDATE SET
			password_hash=excluded.password_hash
	`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (r *SQLiteUserRepository) GetByUsername(ctx context.Context, username string) (*UserRecord, error) {
	var u UserRecord
	err := r.db.GetContext(ctx, &u, `SELECT username, password_hash, created_at FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ---------------------------------------------------------
// SQLiteSessionRepository
// ---------------------------------------------------------

type SQLiteSessionRepository struct {
	db *sqlx.DB
}

func NewSQLiteSessionRepository(db *sqlx.DB) *SQLiteSessionRepository {
	return &SQLiteSessionRepository{db: db}
}

func (r *SQLiteSessionRepository) Start(ctx context.Context, rec SessionRecord) error {
	rec.StartedAt = rec.StartedAt.UTC()
	query := `
		INSERT INTO sessions (session_id, username, started_at)
		VALUES (:session_id, :username, :started_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

func (r *SQLiteSessionRepository) End(ctx context.Context, sessionID string, endedAt time.Time, reason string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ? AND ended_at IS NULL`,
		endedAt.UTC(), reason, sessionID)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteSessionRepository) GetByID(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := r.db.GetContext(ctx, &rec,
		`SELECT session_id, username, started_at, ended_at, end_reason FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/truststudy/carehome/internal/domain/emergency"
	"github.com/truststudy/carehome/internal/events"
	"github.com/truststudy/carehome/internal/platform/metrics"
)

// DefaultWriteTimeout bounds a single audit write.
const DefaultWriteTimeout = 2 * time.Second

// AuditPersister writes session events through to SQLite. Resolutions are
// also copied into the action log in the same transaction.
type AuditPersister struct {
	db      *sqlx.DB
	metrics *metrics.Collector
	timeout time.Duration
}

// NewAuditPersister creates an events.EventPersister backed by db.
func NewAuditPersister(db *sqlx.DB, m *metrics.Collector) *AuditPersister {
	if m == nil {
		m = metrics.Get()
	}
	return &AuditPersister{db: db, metrics: m, timeout: DefaultWriteTimeout}
}

// Append implements events.EventPersister.
func (p *AuditPersister) Append(ev events.SimEvent) (err error) {
	start := time.Now()
	defer func() { p.metrics.RecordAuditWrite(time.Since(start), err) }()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	rec, err := toEventRecord(ev)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	if err = NewSQLiteEventRepository(tx).Append(ctx, rec); err != nil {
		return err
	}

	if resolved, ok := ev.Payload.(events.ResolvedPayload); ok && ev.Type == events.EventTypeEmergencyResolved {
		action := ActionRecord{
			SessionID:       ev.SessionID,
			Timestamp:       ev.Timestamp,
			Event:           emergency.Event{Room: ev.Room}.Description(),
			Response:        resolved.Response,
			Cost:            resolved.Cost,
			BudgetRemaining: resolved.BudgetRemaining,
			Trust:           resolved.Trust,
		}
		if err = NewSQLiteActionLogRepository(tx).Append(ctx, action); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}
	return nil
}

func toEventRecord(ev events.SimEvent) (EventRecord, error) {
	rec := EventRecord{
		ID:        ev.ID,
		SessionID: ev.SessionID,
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
		ActorID:   ev.ActorID,
		Room:      ev.Room,
	}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return rec, fmt.Errorf("failed to marshal payload: %w", err)
		}
		rec.Payload = string(raw)
	}
	return rec, nil
}

// Package audit persists append-only events for every posting, allocation,
// and period-status change. The core writes events and never reads them back
// for decisions.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one append-only audit record.
type Event struct {
	Type       string         `json:"type"`
	CompanyID  uuid.UUID      `json:"company_id"`
	ActorID    uuid.UUID      `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sink accepts events. Implementations must be safe to call after commit;
// failures are logged by the caller, never propagated to the client response.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Recorder writes events into audit_events.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder returns a postgres-backed Recorder.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Emit persists the event.
func (r *Recorder) Emit(ctx context.Context, ev Event) error {
	if r == nil {
		return errors.New("audit: recorder not initialised")
	}
	if ev.Type == "" || ev.CompanyID == uuid.Nil {
		return errors.New("audit: event requires type and company id")
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO audit_events (event_type, company_id, actor_id, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.Type, ev.CompanyID, ev.ActorID, payload, occurred)
	return err
}

// Package jobs runs background work over asynq: scheduled period
// activation, idempotency key retention, and asynchronous audit delivery.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quillbooks/quillbooks/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPeriodActivate promotes FUTURE periods whose start date arrived.
	TaskPeriodActivate = "periods:activate"
	// TaskIdempotencyCleanup prunes idempotency keys past retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
	// TaskAuditEmit persists one audit event asynchronously.
	TaskAuditEmit = "audit:emit"
)

// PeriodActivator is satisfied by the periods service.
type PeriodActivator interface {
	ActivateDue(ctx context.Context) (int64, error)
}

// IdempotencyCleaner is satisfied by the idempotency store.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewPeriodActivateTask builds the scheduled activation task.
func NewPeriodActivateTask() *asynq.Task {
	return asynq.NewTask(TaskPeriodActivate, nil)
}

// NewIdempotencyCleanupTask builds the scheduled retention task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(map[string]string{"retention": retention.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// NewAuditEmitTask wraps one audit event for queue delivery.
func NewAuditEmitTask(ev audit.Event) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditEmit, data), nil
}

// HandlePeriodActivate returns the handler for TaskPeriodActivate.
func HandlePeriodActivate(activator PeriodActivator, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		n, err := activator.ActivateDue(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("periods activated", slog.Int64("count", n))
		}
		return nil
	}
}

// HandleIdempotencyCleanup returns the handler for TaskIdempotencyCleanup.
func HandleIdempotencyCleanup(cleaner IdempotencyCleaner, defaultRetention time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		retention := defaultRetention
		var payload map[string]string
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return asynq.SkipRetry
			}
			if d, err := time.ParseDuration(payload["retention"]); err == nil && d > 0 {
				retention = d
			}
		}
		if err := cleaner.Cleanup(ctx, retention); err != nil {
			return err
		}
		logger.Info("idempotency keys pruned", slog.Duration("retention", retention))
		return nil
	}
}

// HandleAuditEmit returns the handler for TaskAuditEmit.
func HandleAuditEmit(sink audit.Sink, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var ev audit.Event
		if err := json.Unmarshal(t.Payload(), &ev); err != nil {
			logger.Warn("audit emit: malformed payload", slog.Any("error", err))
			return asynq.SkipRetry
		}
		return sink.Emit(ctx, ev)
	}
}

// AuditEnqueuer implements audit.Sink by pushing events onto the queue so
// the request path never waits on the audit write.
type AuditEnqueuer struct {
	client *Client
}

// NewAuditEnqueuer wraps a queue client as an audit sink.
func NewAuditEnqueuer(client *Client) *AuditEnqueuer {
	return &AuditEnqueuer{client: client}
}

// Emit enqueues the event for background persistence.
func (e *AuditEnqueuer) Emit(ctx context.Context, ev audit.Event) error {
	task, err := NewAuditEmitTask(ev)
	if err != nil {
		return err
	}
	_, err = e.client.Enqueue(ctx, task)
	return err
}

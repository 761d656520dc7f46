package close

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillbooks/quillbooks/internal/audit"
	"github.com/quillbooks/quillbooks/internal/ledger/periods"
	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/observability"
	"github.com/quillbooks/quillbooks/internal/platform/lock"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

// AggregateLocker serializes close operations on one period across processes.
type AggregateLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Service drives period transitions. Readiness is validated while holding
// the period row lock, both on the initial close request and again at
// finalization, so activity between the two steps cannot slip through.
type Service struct {
	repo    Repository
	sink    audit.Sink
	locker  AggregateLocker
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService constructs a Service. locker may be nil in tests.
func NewService(repo Repository, sink audit.Sink, locker AggregateLocker) *Service {
	return &Service{repo: repo, sink: sink, locker: locker, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches the Prometheus collectors. A nil receiver stays inert.
func (s *Service) WithMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Transitions returns the period's status history, oldest first.
func (s *Service) Transitions(ctx context.Context, scope tenant.Scope, periodID uuid.UUID) ([]Transition, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, scope.CompanyID, periodID)
}

// RequestClose moves an OPEN or REOPENED period to CLOSING after verifying
// nothing in the period blocks the close.
func (s *Service) RequestClose(ctx context.Context, scope tenant.Scope, input CloseInput) (periods.Period, error) {
	return s.transition(ctx, scope, input.PeriodID, periods.PeriodStatusClosing, "", input.Validate())
}

// FinalizeClose moves a CLOSING period to CLOSED. Readiness is re-validated
// here: the CLOSING window is advisory, not a guarantee that nothing changed.
func (s *Service) FinalizeClose(ctx context.Context, scope tenant.Scope, input CloseInput) (periods.Period, error) {
	return s.transition(ctx, scope, input.PeriodID, periods.PeriodStatusClosed, "", input.Validate())
}

// Reopen moves a CLOSED period to REOPENED with a mandatory reason. Closed
// data is never touched; the period simply accepts postings again.
func (s *Service) Reopen(ctx context.Context, scope tenant.Scope, input ReopenInput) (periods.Period, error) {
	return s.transition(ctx, scope, input.PeriodID, periods.PeriodStatusReopened, input.Reason, input.Validate())
}

func (s *Service) transition(ctx context.Context, scope tenant.Scope, periodID uuid.UUID, to periods.PeriodStatus, reason string, inputErr error) (periods.Period, error) {
	if err := scope.Validate(); err != nil {
		return periods.Period{}, err
	}
	if inputErr != nil {
		return periods.Period{}, inputErr
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, lock.PeriodKey(periodID))
		if err != nil {
			return periods.Period{}, err
		}
		defer release()
	}

	var period periods.Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		period, err = tx.GetPeriodForUpdate(ctx, scope.CompanyID, periodID)
		if err != nil {
			return err
		}
		from := period.Status
		if !periods.CanTransition(from, to) {
			return fmt.Errorf("%w: cannot move period %s from %s to %s",
				shared.ErrInvalidStatus, period.Name, from, to)
		}
		if to == periods.PeriodStatusClosing || to == periods.PeriodStatusClosed {
			if err := s.checkReadiness(ctx, tx, scope.CompanyID, period); err != nil {
				return err
			}
		}
		now := s.now()
		period.Status = to
		switch to {
		case periods.PeriodStatusClosed:
			period.ClosedBy = &scope.ActorID
			period.ClosedAt = &now
		case periods.PeriodStatusReopened:
			period.ReopenReason = reason
			period.ClosedBy = nil
			period.ClosedAt = nil
		}
		if err := tx.UpdateStatus(ctx, period); err != nil {
			return err
		}
		return tx.InsertTransition(ctx, Transition{
			ID:       uuid.New(),
			PeriodID: period.ID,
			From:     string(from),
			To:       string(to),
			ActorID:  scope.ActorID,
			Reason:   reason,
			At:       now,
		})
	})
	if err != nil {
		return periods.Period{}, err
	}

	s.emit(ctx, scope, "period."+statusEvent(to), map[string]any{
		"period_id": period.ID.String(),
		"name":      period.Name,
		"status":    string(period.Status),
		"reason":    reason,
	})
	s.metrics.RecordTransition(string(to))
	return period, nil
}

// checkReadiness evaluates every close precondition and reports them all at
// once rather than failing on the first.
func (s *Service) checkReadiness(ctx context.Context, tx TxRepository, companyID uuid.UUID, period periods.Period) error {
	notReady := &NotReadyError{}
	var err error
	notReady.DraftEntries, err = tx.CountDraftEntries(ctx, companyID, period.StartDate, period.EndDate)
	if err != nil {
		return err
	}
	notReady.OpenDocuments, err = tx.CountOpenDocuments(ctx, companyID, period.StartDate, period.EndDate)
	if err != nil {
		return err
	}
	notReady.PendingPayments, err = tx.CountPendingPayments(ctx, companyID, period.StartDate, period.EndDate)
	if err != nil {
		return err
	}
	if !notReady.Ready() {
		return notReady
	}
	return nil
}

func statusEvent(to periods.PeriodStatus) string {
	switch to {
	case periods.PeriodStatusClosing:
		return "closing"
	case periods.PeriodStatusClosed:
		return "closed"
	case periods.PeriodStatusReopened:
		return "reopened"
	default:
		return "transitioned"
	}
}

func (s *Service) emit(ctx context.Context, scope tenant.Scope, eventType string, payload map[string]any) {
	if s.sink == nil {
		return
	}
	_ = s.sink.Emit(ctx, audit.Event{
		Type:       eventType,
		CompanyID:  scope.CompanyID,
		ActorID:    scope.ActorID,
		Payload:    payload,
		OccurredAt: s.now(),
	})
}

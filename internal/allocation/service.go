package allocation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quillbooks/quillbooks/internal/audit"
	"github.com/quillbooks/quillbooks/internal/ledger/money"
	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/observability"
	"github.com/quillbooks/quillbooks/internal/platform/lock"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

const actionAllocate = "allocate_payment"

// IdempotencyPort mirrors the posting engine's contract: the key is reserved
// before execution, so a retried or concurrent duplicate replays the stored
// response instead of allocating twice.
type IdempotencyPort interface {
	Reserve(ctx context.Context, scope tenant.Scope, action, key string, request []byte) (response []byte, replayed bool, err error)
	Complete(ctx context.Context, scope tenant.Scope, action, key string, response []byte) error
	Release(ctx context.Context, scope tenant.Scope, action, key string) error
}

// AggregateLocker serializes writers on one payment aggregate across
// processes. The redis locker satisfies this in production.
type AggregateLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Service commits and reverses payment allocations. Every write path is
// all-or-nothing: either the whole plan lands and all balances are recomputed
// in the same transaction, or nothing changes.
type Service struct {
	repo     Repository
	sink     audit.Sink
	idem     IdempotencyPort
	locker   AggregateLocker
	metrics  *observability.Metrics
	currency string
	now      func() time.Time
}

// NewService constructs a Service. locker may be nil in tests; row locks
// still guarantee correctness, the aggregate lock only reduces serialization
// conflicts under contention.
func NewService(repo Repository, sink audit.Sink, idem IdempotencyPort, locker AggregateLocker, currency string) *Service {
	if currency == "" {
		currency = "USD"
	}
	return &Service{repo: repo, sink: sink, idem: idem, locker: locker, currency: currency, now: time.Now}
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

// GetPayment loads one payment within the company scope.
func (s *Service) GetPayment(ctx context.Context, scope tenant.Scope, paymentID uuid.UUID) (Payment, error) {
	if err := scope.Validate(); err != nil {
		return Payment{}, err
	}
	return s.repo.GetPayment(ctx, scope.CompanyID, paymentID)
}

// ListAllocations returns a payment's allocations, reversed ones included.
func (s *Service) ListAllocations(ctx context.Context, scope tenant.Scope, paymentID uuid.UUID) ([]Allocation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListAllocations(ctx, scope.CompanyID, paymentID)
}

// PreviewPlan computes what an automatic method would allocate, without
// writing anything.
func (s *Service) PreviewPlan(ctx context.Context, scope tenant.Scope, paymentID uuid.UUID, kind DocKind, method Method) ([]Request, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	payment, err := s.repo.GetPayment(ctx, scope.CompanyID, paymentID)
	if err != nil {
		return nil, err
	}
	remaining := payment.Remaining()
	if !money.IsPositive(remaining) {
		return nil, fmt.Errorf("%w: payment %s is fully allocated", shared.ErrInvalidEntry, payment.Number)
	}
	if kind == "" {
		kind = DocInvoice
	}
	open, err := s.repo.ListOpenInvoices(ctx, scope.CompanyID, kind)
	if err != nil {
		return nil, err
	}
	return Plan(method, remaining, open, payment.Currency)
}

// Allocate applies a payment against one or more invoices. The payment row
// is locked for the whole transaction and invoice rows are locked in id
// order; balances are recomputed from the allocation table before commit so
// a torn or concurrent write can never leave them stale.
func (s *Service) Allocate(ctx context.Context, scope tenant.Scope, input Input) (Result, error) {
	if err := scope.Validate(); err != nil {
		return Result{}, err
	}
	if err := input.Validate(); err != nil {
		return Result{}, err
	}

	var reserved bool
	if input.IdempotencyKey != "" && s.idem != nil {
		request, err := json.Marshal(input)
		if err != nil {
			return Result{}, err
		}
		cached, replayed, err := s.idem.Reserve(ctx, scope, actionAllocate, input.IdempotencyKey, request)
		if err != nil {
			return Result{}, err
		}
		if replayed {
			var result Result
			if err := json.Unmarshal(cached, &result); err != nil {
				return Result{}, fmt.Errorf("allocation: decode cached response: %w", err)
			}
			return result, nil
		}
		reserved = true
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, lock.PaymentKey(input.PaymentID))
		if err != nil {
			if reserved {
				_ = s.idem.Release(ctx, scope, actionAllocate, input.IdempotencyKey)
			}
			return Result{}, err
		}
		defer release()
	}

	method := input.Method
	if method == "" {
		method = MethodManual
	}
	date := input.Date
	if date.IsZero() {
		date = s.now()
	}

	var result Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		payment, err := tx.GetPaymentForUpdate(ctx, scope.CompanyID, input.PaymentID)
		if err != nil {
			return err
		}
		if payment.Status != PaymentStatusCompleted {
			return fmt.Errorf("%w: payment is %s", shared.ErrInvalidStatus, payment.Status)
		}

		requests := input.Requests
		if len(requests) == 0 {
			requests, err = s.autoPlan(ctx, scope, payment, input.Kind, method)
			if err != nil {
				return err
			}
		}
		if len(requests) == 0 {
			return fmt.Errorf("%w: nothing to allocate", shared.ErrInvalidEntry)
		}

		total := decimal.Zero
		ids := make([]uuid.UUID, 0, len(requests))
		byInvoice := make(map[uuid.UUID]decimal.Decimal, len(requests))
		for _, req := range requests {
			amount := money.Round(req.Amount, payment.Currency)
			total = total.Add(amount)
			ids = append(ids, req.InvoiceID)
			byInvoice[req.InvoiceID] = amount
		}
		if total.GreaterThan(payment.Remaining()) {
			return insufficientPayment(payment.ID, total, payment.Remaining())
		}

		invoices, err := tx.GetInvoicesForUpdate(ctx, scope.CompanyID, ids)
		if err != nil {
			return err
		}
		if len(invoices) != len(ids) {
			return fmt.Errorf("%w: one or more invoices", shared.ErrNotFound)
		}
		allocs := make([]Allocation, 0, len(invoices))
		for _, inv := range invoices {
			amount := byInvoice[inv.ID]
			if inv.Status != DocStatusPosted {
				return fmt.Errorf("%w: invoice %s is %s", shared.ErrInvalidStatus, inv.Number, inv.Status)
			}
			if inv.Currency != payment.Currency {
				return fmt.Errorf("%w: invoice %s currency %s does not match payment currency %s",
					shared.ErrInvalidEntry, inv.Number, inv.Currency, payment.Currency)
			}
			if amount.GreaterThan(inv.BalanceDue) {
				return insufficient(inv.ID, amount, inv.BalanceDue)
			}
			allocs = append(allocs, Allocation{
				ID:        uuid.New(),
				CompanyID: scope.CompanyID,
				PaymentID: payment.ID,
				InvoiceID: inv.ID,
				Amount:    amount,
				Date:      date,
				Method:    method,
				CreatedAt: s.now(),
			})
		}

		if err := tx.InsertAllocations(ctx, allocs); err != nil {
			return err
		}
		updated := make([]Invoice, 0, len(allocs))
		for _, a := range allocs {
			inv, err := tx.RecomputeInvoice(ctx, a.InvoiceID)
			if err != nil {
				return err
			}
			updated = append(updated, inv)
		}
		payment, err = tx.RecomputePayment(ctx, payment.ID)
		if err != nil {
			return err
		}
		result = Result{Payment: payment, Allocations: allocs, Invoices: updated}
		return nil
	})
	if err != nil {
		if reserved {
			_ = s.idem.Release(ctx, scope, actionAllocate, input.IdempotencyKey)
		}
		s.metrics.RecordAllocation("rejected")
		return Result{}, err
	}

	s.emit(ctx, scope, "payment.allocated", allocationSnapshot(result))
	s.metrics.RecordAllocation("allocated")
	if reserved {
		s.completeIdempotent(ctx, scope, input.IdempotencyKey, result)
	}
	return result, nil
}

// Reverse marks one allocation reversed and restores both sides. The
// allocation row itself is never deleted or mutated beyond the reversal
// flags.
func (s *Service) Reverse(ctx context.Context, scope tenant.Scope, input ReverseInput) (Result, error) {
	if err := scope.Validate(); err != nil {
		return Result{}, err
	}
	if err := input.Validate(); err != nil {
		return Result{}, err
	}

	var result Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alloc, err := tx.GetAllocationForUpdate(ctx, scope.CompanyID, input.AllocationID)
		if err != nil {
			return err
		}
		if alloc.Reversed {
			return fmt.Errorf("%w: allocation already reversed", shared.ErrInvalidStatus)
		}
		if _, err := tx.GetPaymentForUpdate(ctx, scope.CompanyID, alloc.PaymentID); err != nil {
			return err
		}
		now := s.now()
		if err := tx.MarkReversed(ctx, alloc.ID, input.Reason, now); err != nil {
			return err
		}
		alloc.Reversed = true
		alloc.ReversedAt = &now
		alloc.ReversedReason = input.Reason
		inv, err := tx.RecomputeInvoice(ctx, alloc.InvoiceID)
		if err != nil {
			return err
		}
		payment, err := tx.RecomputePayment(ctx, alloc.PaymentID)
		if err != nil {
			return err
		}
		result = Result{Payment: payment, Allocations: []Allocation{alloc}, Invoices: []Invoice{inv}}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	s.emit(ctx, scope, "payment.allocation_reversed", map[string]any{
		"allocation_id": input.AllocationID.String(),
		"payment_id":    result.Payment.ID.String(),
		"reason":        input.Reason,
	})
	s.metrics.RecordAllocation("reversed")
	return result, nil
}

func (s *Service) autoPlan(ctx context.Context, scope tenant.Scope, payment Payment, kind DocKind, method Method) ([]Request, error) {
	remaining := payment.Remaining()
	if !money.IsPositive(remaining) {
		return nil, fmt.Errorf("%w: payment %s is fully allocated", shared.ErrInvalidEntry, payment.Number)
	}
	if kind == "" {
		kind = DocInvoice
	}
	open, err := s.repo.ListOpenInvoices(ctx, scope.CompanyID, kind)
	if err != nil {
		return nil, err
	}
	return Plan(method, remaining, open, payment.Currency)
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

func (s *Service) completeIdempotent(ctx context.Context, scope tenant.Scope, key string, result Result) {
	response, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = s.idem.Complete(ctx, scope, actionAllocate, key, response)
}

func allocationSnapshot(result Result) map[string]any {
	allocs := make([]map[string]any, 0, len(result.Allocations))
	for _, a := range result.Allocations {
		allocs = append(allocs, map[string]any{
			"allocation_id": a.ID.String(),
			"invoice_id":    a.InvoiceID.String(),
			"amount":        a.Amount.String(),
			"method":        string(a.Method),
		})
	}
	return map[string]any{
		"payment_id":  result.Payment.ID.String(),
		"allocated":   result.Payment.Allocated.String(),
		"allocations": allocs,
	}
}

package allocation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quillbooks/quillbooks/internal/audit"
	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/observability"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

type memState struct {
	payments    map[uuid.UUID]Payment
	invoices    map[uuid.UUID]Invoice
	allocations map[uuid.UUID]Allocation
}

func (s *memState) clone() *memState {
	out := &memState{
		payments:    make(map[uuid.UUID]Payment, len(s.payments)),
		invoices:    make(map[uuid.UUID]Invoice, len(s.invoices)),
		allocations: make(map[uuid.UUID]Allocation, len(s.allocations)),
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	for k, v := range s.invoices {
		out.invoices[k] = v
	}
	for k, v := range s.allocations {
		out.allocations[k] = v
	}
	return out
}

type memRepo struct {
	state *memState
}

func newMemRepo() *memRepo {
	return &memRepo{state: &memState{
		payments:    make(map[uuid.UUID]Payment),
		invoices:    make(map[uuid.UUID]Invoice),
		allocations: make(map[uuid.UUID]Allocation),
	}}
}

func (m *memRepo) GetPayment(_ context.Context, companyID, paymentID uuid.UUID) (Payment, error) {
	p, ok := m.state.payments[paymentID]
	if !ok || p.CompanyID != companyID {
		return Payment{}, shared.ErrNotFound
	}
	return p, nil
}

func (m *memRepo) GetInvoice(_ context.Context, companyID, invoiceID uuid.UUID) (Invoice, error) {
	inv, ok := m.state.invoices[invoiceID]
	if !ok || inv.CompanyID != companyID {
		return Invoice{}, shared.ErrNotFound
	}
	return inv, nil
}

func (m *memRepo) ListOpenInvoices(_ context.Context, companyID uuid.UUID, kind DocKind) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range m.state.invoices {
		if inv.CompanyID == companyID && inv.Kind == kind && inv.Status == DocStatusPosted && inv.BalanceDue.IsPositive() {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].Number < out[j].Number
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return out, nil
}

func (m *memRepo) ListAllocations(_ context.Context, companyID, paymentID uuid.UUID) ([]Allocation, error) {
	var out []Allocation
	for _, a := range m.state.allocations {
		if a.CompanyID == companyID && a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

// WithTx commits staged writes only when fn succeeds.
func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	staged := m.state.clone()
	if err := fn(ctx, &memTx{state: staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

type memTx struct {
	state *memState
}

func (t *memTx) GetPaymentForUpdate(_ context.Context, companyID, paymentID uuid.UUID) (Payment, error) {
	p, ok := t.state.payments[paymentID]
	if !ok || p.CompanyID != companyID {
		return Payment{}, shared.ErrNotFound
	}
	return p, nil
}

func (t *memTx) GetInvoicesForUpdate(_ context.Context, companyID uuid.UUID, ids []uuid.UUID) ([]Invoice, error) {
	var out []Invoice
	for _, id := range ids {
		if inv, ok := t.state.invoices[id]; ok && inv.CompanyID == companyID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (t *memTx) GetAllocationForUpdate(_ context.Context, companyID, allocationID uuid.UUID) (Allocation, error) {
	a, ok := t.state.allocations[allocationID]
	if !ok || a.CompanyID != companyID {
		return Allocation{}, shared.ErrNotFound
	}
	return a, nil
}

func (t *memTx) InsertAllocations(_ context.Context, allocs []Allocation) error {
	for _, a := range allocs {
		t.state.allocations[a.ID] = a
	}
	return nil
}

func (t *memTx) MarkReversed(_ context.Context, allocationID uuid.UUID, reason string, at time.Time) error {
	a, ok := t.state.allocations[allocationID]
	if !ok || a.Reversed {
		return shared.ErrInvalidStatus
	}
	a.Reversed = true
	a.ReversedAt = &at
	a.ReversedReason = reason
	t.state.allocations[allocationID] = a
	return nil
}

func (t *memTx) RecomputeInvoice(_ context.Context, invoiceID uuid.UUID) (Invoice, error) {
	inv, ok := t.state.invoices[invoiceID]
	if !ok {
		return Invoice{}, shared.ErrNotFound
	}
	paid := decimal.Zero
	for _, a := range t.state.allocations {
		if a.InvoiceID == invoiceID && !a.Reversed {
			paid = paid.Add(a.Amount)
		}
	}
	inv.Paid = paid
	inv.BalanceDue = inv.Total.Sub(paid)
	if inv.Status == DocStatusPosted && !inv.BalanceDue.IsPositive() {
		inv.Status = DocStatusPaid
	} else if inv.Status == DocStatusPaid && inv.BalanceDue.IsPositive() {
		inv.Status = DocStatusPosted
	}
	t.state.invoices[invoiceID] = inv
	return inv, nil
}

func (t *memTx) RecomputePayment(_ context.Context, paymentID uuid.UUID) (Payment, error) {
	p, ok := t.state.payments[paymentID]
	if !ok {
		return Payment{}, shared.ErrNotFound
	}
	allocated := decimal.Zero
	for _, a := range t.state.allocations {
		if a.PaymentID == paymentID && !a.Reversed {
			allocated = allocated.Add(a.Amount)
		}
	}
	p.Allocated = allocated
	t.state.payments[paymentID] = p
	return p, nil
}

type memSink struct {
	events []audit.Event
}

func (s *memSink) Emit(_ context.Context, ev audit.Event) error {
	s.events = append(s.events, ev)
	return nil
}

// memIdem mirrors the reserve-first store: a key mapped to nil is reserved
// but not yet completed, a non-nil value is a stored response.
type memIdem struct {
	store map[string][]byte
}

func newMemIdem() *memIdem { return &memIdem{store: make(map[string][]byte)} }

func (m *memIdem) key(scope tenant.Scope, action, key string) string {
	return scope.CompanyID.String() + action + key
}

func (m *memIdem) Reserve(_ context.Context, scope tenant.Scope, action, key string, _ []byte) ([]byte, bool, error) {
	k := m.key(scope, action, key)
	if response, taken := m.store[k]; taken {
		if response == nil {
			return nil, false, shared.ErrRequestInFlight
		}
		return response, true, nil
	}
	m.store[k] = nil
	return nil, false, nil
}

func (m *memIdem) Complete(_ context.Context, scope tenant.Scope, action, key string, response []byte) error {
	m.store[m.key(scope, action, key)] = response
	return nil
}

func (m *memIdem) Release(_ context.Context, scope tenant.Scope, action, key string) error {
	k := m.key(scope, action, key)
	if m.store[k] == nil {
		delete(m.store, k)
	}
	return nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	repo    *memRepo
	sink    *memSink
	idem    *memIdem
	service *Service
	scope   tenant.Scope
	payment uuid.UUID
	inv1    uuid.UUID
	inv2    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemRepo()
	sink := &memSink{}
	scope := tenant.Scope{CompanyID: uuid.New(), ActorID: uuid.New()}
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	paymentID := uuid.New()
	repo.state.payments[paymentID] = Payment{
		ID:        paymentID,
		CompanyID: scope.CompanyID,
		Number:    "PAY-1",
		Currency:  "USD",
		Amount:    d("100.00"),
		Allocated: decimal.Zero,
		PaidAt:    now,
		Status:    PaymentStatusCompleted,
	}
	inv1 := uuid.New()
	repo.state.invoices[inv1] = Invoice{
		ID: inv1, CompanyID: scope.CompanyID, Kind: DocInvoice, Number: "INV-1",
		DueDate: now.AddDate(0, 0, 7), Currency: "USD",
		Total: d("50.00"), Paid: decimal.Zero, BalanceDue: d("50.00"),
		Status: DocStatusPosted,
	}
	inv2 := uuid.New()
	repo.state.invoices[inv2] = Invoice{
		ID: inv2, CompanyID: scope.CompanyID, Kind: DocInvoice, Number: "INV-2",
		DueDate: now.AddDate(0, 0, 14), Currency: "USD",
		Total: d("80.00"), Paid: decimal.Zero, BalanceDue: d("80.00"),
		Status: DocStatusPosted,
	}

	idem := newMemIdem()
	service := NewService(repo, sink, idem, nil, "USD")
	service.WithNow(func() time.Time { return now })
	return &fixture{repo: repo, sink: sink, idem: idem, service: service, scope: scope, payment: paymentID, inv1: inv1, inv2: inv2}
}

func TestAllocateManual(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Method:    MethodManual,
		Requests: []Request{
			{InvoiceID: f.inv1, Amount: d("50.00")},
			{InvoiceID: f.inv2, Amount: d("30.00")},
		},
	})
	require.NoError(t, err)
	require.True(t, result.Payment.Allocated.Equal(d("80.00")))
	require.True(t, result.Payment.Remaining().Equal(d("20.00")))
	require.Len(t, result.Allocations, 2)

	inv1 := f.repo.state.invoices[f.inv1]
	require.True(t, inv1.BalanceDue.IsZero())
	require.Equal(t, DocStatusPaid, inv1.Status)

	inv2 := f.repo.state.invoices[f.inv2]
	require.True(t, inv2.BalanceDue.Equal(d("50.00")))
	require.Equal(t, DocStatusPosted, inv2.Status)

	require.Len(t, f.sink.events, 1)
	require.Equal(t, "payment.allocated", f.sink.events[0].Type)
}

func TestAllocateOverInvoiceBalance(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Requests:  []Request{{InvoiceID: f.inv1, Amount: d("75.00")}},
	})
	var insufficientErr *shared.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficientErr)
	require.True(t, insufficientErr.Requested.Equal(d("75.00")))
	require.True(t, insufficientErr.Available.Equal(d("50.00")))

	// Nothing changed.
	require.Empty(t, f.repo.state.allocations)
	require.True(t, f.repo.state.payments[f.payment].Allocated.IsZero())
	require.True(t, f.repo.state.invoices[f.inv1].Paid.IsZero())
}

func TestAllocateOverPaymentRemaining(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Requests: []Request{
			{InvoiceID: f.inv1, Amount: d("50.00")},
			{InvoiceID: f.inv2, Amount: d("80.00")},
		},
	})
	var insufficientErr *shared.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficientErr)
	require.Equal(t, f.payment.String(), insufficientErr.PaymentID)
	require.Empty(t, insufficientErr.InvoiceID)
	require.True(t, insufficientErr.Requested.Equal(d("130.00")))
	require.True(t, insufficientErr.Available.Equal(d("100.00")))
	require.Empty(t, f.repo.state.allocations)
}

func TestAllocateAllOrNothing(t *testing.T) {
	f := newFixture(t)

	// Second request overdraws its invoice; the valid first request must not
	// land either.
	_, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Requests: []Request{
			{InvoiceID: f.inv1, Amount: d("10.00")},
			{InvoiceID: f.inv2, Amount: d("85.00")},
		},
	})
	var insufficientErr *shared.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficientErr)
	require.Empty(t, f.repo.state.allocations)
	require.True(t, f.repo.state.invoices[f.inv1].Paid.IsZero())
}

func TestAllocateConservation(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Requests: []Request{
			{InvoiceID: f.inv1, Amount: d("40.00")},
			{InvoiceID: f.inv2, Amount: d("60.00")},
		},
	})
	require.NoError(t, err)

	sum := decimal.Zero
	for _, a := range result.Allocations {
		sum = sum.Add(a.Amount)
	}
	require.True(t, sum.Equal(result.Payment.Allocated))
	require.True(t, result.Payment.Amount.Equal(sum.Add(result.Payment.Remaining())))
}

func TestAllocatePendingPaymentRejected(t *testing.T) {
	f := newFixture(t)
	p := f.repo.state.payments[f.payment]
	p.Status = PaymentStatusPending
	f.repo.state.payments[f.payment] = p

	_, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Requests:  []Request{{InvoiceID: f.inv1, Amount: d("10.00")}},
	})
	require.ErrorIs(t, err, shared.ErrInvalidStatus)
}

func TestAllocateCrossTenantPayment(t *testing.T) {
	f := newFixture(t)
	other := tenant.Scope{CompanyID: uuid.New(), ActorID: uuid.New()}

	_, err := f.service.Allocate(context.Background(), other, Input{
		PaymentID: f.payment,
		Requests:  []Request{{InvoiceID: f.inv1, Amount: d("10.00")}},
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAllocateAutoFIFO(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Method:    MethodFIFO,
	})
	require.NoError(t, err)
	// 100 across inv1 (due first, 50) then inv2 (50 of 80).
	require.Len(t, result.Allocations, 2)
	require.True(t, result.Payment.Remaining().IsZero())
	require.True(t, f.repo.state.invoices[f.inv1].BalanceDue.IsZero())
	require.True(t, f.repo.state.invoices[f.inv2].BalanceDue.Equal(d("30.00")))
}

func TestAllocateIdempotentRetry(t *testing.T) {
	f := newFixture(t)
	input := Input{
		PaymentID:      f.payment,
		Requests:       []Request{{InvoiceID: f.inv1, Amount: d("25.00")}},
		IdempotencyKey: "alloc-retry-1",
	}

	first, err := f.service.Allocate(context.Background(), f.scope, input)
	require.NoError(t, err)

	second, err := f.service.Allocate(context.Background(), f.scope, input)
	require.NoError(t, err)
	require.Equal(t, first.Allocations[0].ID, second.Allocations[0].ID)
	require.Len(t, f.repo.state.allocations, 1)
	require.True(t, f.repo.state.payments[f.payment].Allocated.Equal(d("25.00")))
}

func TestAllocateDuplicateWhileInFlight(t *testing.T) {
	f := newFixture(t)
	input := Input{
		PaymentID:      f.payment,
		Requests:       []Request{{InvoiceID: f.inv1, Amount: d("25.00")}},
		IdempotencyKey: "alloc-inflight-1",
	}

	// A reservation without a response means the first attempt has not
	// committed yet; the duplicate must not execute.
	_, _, err := f.idem.Reserve(context.Background(), f.scope, actionAllocate, input.IdempotencyKey, nil)
	require.NoError(t, err)

	_, err = f.service.Allocate(context.Background(), f.scope, input)
	require.ErrorIs(t, err, shared.ErrRequestInFlight)
	require.Empty(t, f.repo.state.allocations)
}

func TestAllocateFailureReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	input := Input{
		PaymentID:      f.payment,
		Requests:       []Request{{InvoiceID: f.inv1, Amount: d("75.00")}},
		IdempotencyKey: "alloc-release-1",
	}

	_, err := f.service.Allocate(context.Background(), f.scope, input)
	var insufficientErr *shared.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficientErr)

	// The failed attempt must not pin the key; a corrected retry goes through.
	input.Requests[0].Amount = d("50.00")
	result, err := f.service.Allocate(context.Background(), f.scope, input)
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
}

func TestAllocateRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	metrics := observability.NewMetrics()
	f.service.WithMetrics(metrics)

	result, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Requests:  []Request{{InvoiceID: f.inv1, Amount: d("50.00")}},
	})
	require.NoError(t, err)

	_, err = f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Requests:  []Request{{InvoiceID: f.inv2, Amount: d("85.00")}},
	})
	require.Error(t, err)

	_, err = f.service.Reverse(context.Background(), f.scope, ReverseInput{
		AllocationID: result.Allocations[0].ID,
		Reason:       "refund",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	require.Contains(t, body, `quill_payment_allocations_total{outcome="allocated"} 1`)
	require.Contains(t, body, `quill_payment_allocations_total{outcome="rejected"} 1`)
	require.Contains(t, body, `quill_payment_allocations_total{outcome="reversed"} 1`)
}

func TestReverseRestoresBalances(t *testing.T) {
	f := newFixture(t)
	result, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Requests:  []Request{{InvoiceID: f.inv1, Amount: d("50.00")}},
	})
	require.NoError(t, err)
	require.Equal(t, DocStatusPaid, f.repo.state.invoices[f.inv1].Status)

	reversed, err := f.service.Reverse(context.Background(), f.scope, ReverseInput{
		AllocationID: result.Allocations[0].ID,
		Reason:       "bounced check",
	})
	require.NoError(t, err)
	require.True(t, reversed.Payment.Allocated.IsZero())

	inv := f.repo.state.invoices[f.inv1]
	require.True(t, inv.BalanceDue.Equal(d("50.00")))
	require.Equal(t, DocStatusPosted, inv.Status)

	// The allocation row survives with the reversal flags set.
	stored := f.repo.state.allocations[result.Allocations[0].ID]
	require.True(t, stored.Reversed)
	require.Equal(t, "bounced check", stored.ReversedReason)
	require.NotNil(t, stored.ReversedAt)
}

func TestReverseTwiceRejected(t *testing.T) {
	f := newFixture(t)
	result, err := f.service.Allocate(context.Background(), f.scope, Input{
		PaymentID: f.payment,
		Requests:  []Request{{InvoiceID: f.inv1, Amount: d("20.00")}},
	})
	require.NoError(t, err)

	input := ReverseInput{AllocationID: result.Allocations[0].ID, Reason: "oops"}
	_, err = f.service.Reverse(context.Background(), f.scope, input)
	require.NoError(t, err)

	_, err = f.service.Reverse(context.Background(), f.scope, input)
	require.ErrorIs(t, err, shared.ErrInvalidStatus)
}

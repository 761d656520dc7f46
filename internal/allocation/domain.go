// Package allocation applies payments against invoices and bills with
// conservation and idempotency guarantees.
package allocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quillbooks/quillbooks/internal/ledger/money"
	"github.com/quillbooks/quillbooks/internal/ledger/shared"
)

// DocKind distinguishes customer invoices from supplier bills.
type DocKind string

const (
	DocInvoice DocKind = "INVOICE"
	DocBill    DocKind = "BILL"
)

// DocStatus enumerates invoice/bill lifecycle values.
type DocStatus string

const (
	DocStatusDraft  DocStatus = "DRAFT"
	DocStatusPosted DocStatus = "POSTED"
	DocStatusPaid   DocStatus = "PAID"
	DocStatusVoid   DocStatus = "VOID"
)

// Terminal reports whether the document blocks a period close.
func (s DocStatus) Terminal() bool {
	return s == DocStatusPosted || s == DocStatusPaid || s == DocStatusVoid
}

// Invoice is the receivable/payable document allocations apply against.
// BalanceDue always equals Total minus the sum of active allocations.
type Invoice struct {
	ID         uuid.UUID
	CompanyID  uuid.UUID
	Kind       DocKind
	Number     string
	DueDate    time.Time
	Currency   string
	Total      decimal.Decimal
	Paid       decimal.Decimal
	BalanceDue decimal.Decimal
	Status     DocStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PaymentStatus enumerates payment lifecycle values.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
)

// Payment is the funds source allocations draw from.
type Payment struct {
	ID        uuid.UUID
	CompanyID uuid.UUID
	Number    string
	Currency  string
	Amount    decimal.Decimal
	Allocated decimal.Decimal
	PaidAt    time.Time
	Status    PaymentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the unallocated portion of the payment.
func (p Payment) Remaining() decimal.Decimal {
	return p.Amount.Sub(p.Allocated)
}

// Allocation links a payment to an invoice. Reversed allocations stay in the
// table for audit; they simply stop counting toward balances.
type Allocation struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	PaymentID      uuid.UUID
	InvoiceID      uuid.UUID
	Amount         decimal.Decimal
	Date           time.Time
	Method         Method
	Reversed       bool
	ReversedAt     *time.Time
	ReversedReason string
	CreatedAt      time.Time
}

// Request is one requested (invoice, amount) pair within an Allocate call.
type Request struct {
	InvoiceID uuid.UUID
	Amount    decimal.Decimal
}

// Input groups parameters for one Allocate call. Requests may be empty when
// Method is an automatic policy; the plan is then computed from the payment's
// open documents.
type Input struct {
	PaymentID uuid.UUID
	Kind      DocKind
	Requests  []Request
	Method    Method
	Date      time.Time
	// IdempotencyKey, when set, makes a retried allocation return the
	// original result without re-executing.
	IdempotencyKey string
}

// Validate checks structural rules before any read or write.
func (in Input) Validate() error {
	if in.PaymentID == uuid.Nil {
		return errors.New("allocation: payment id required")
	}
	if len(in.Requests) == 0 {
		if in.Method == "" || in.Method == MethodManual {
			return errors.New("allocation: at least one request required")
		}
	}
	seen := make(map[uuid.UUID]struct{}, len(in.Requests))
	for idx, req := range in.Requests {
		if req.InvoiceID == uuid.Nil {
			return fmt.Errorf("allocation: request %d missing invoice", idx+1)
		}
		if !money.IsPositive(req.Amount) {
			return fmt.Errorf("allocation: request %d amount must be positive", idx+1)
		}
		if _, dup := seen[req.InvoiceID]; dup {
			return fmt.Errorf("allocation: request %d duplicates invoice %s", idx+1, req.InvoiceID)
		}
		seen[req.InvoiceID] = struct{}{}
	}
	if in.Method != "" && !ValidMethod(in.Method) {
		return fmt.Errorf("allocation: unknown method %q", in.Method)
	}
	return nil
}

// Result reports the outcome of one Allocate call.
type Result struct {
	Payment     Payment
	Allocations []Allocation
	Invoices    []Invoice
}

// ReverseInput wraps parameters for reversing an allocation.
type ReverseInput struct {
	AllocationID uuid.UUID
	Reason       string
}

// Validate requires an allocation id and a reason.
func (in ReverseInput) Validate() error {
	if in.AllocationID == uuid.Nil {
		return errors.New("allocation: allocation id required")
	}
	if in.Reason == "" {
		return errors.New("allocation: reversal reason required")
	}
	return nil
}

// insufficient builds the typed over-allocation error for one invoice.
func insufficient(invoiceID uuid.UUID, requested, available decimal.Decimal) error {
	return &shared.InsufficientBalanceError{
		InvoiceID: invoiceID.String(),
		Requested: requested,
		Available: available,
	}
}

// insufficientPayment builds the typed error for a plan exceeding the
// payment's unallocated remainder.
func insufficientPayment(paymentID uuid.UUID, requested, available decimal.Decimal) error {
	return &shared.InsufficientBalanceError{
		PaymentID: paymentID.String(),
		Requested: requested,
		Available: available,
	}
}

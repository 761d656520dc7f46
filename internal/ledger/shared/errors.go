// Package shared holds the domain error taxonomy for the ledger core.
package shared

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrPeriodClosed indicates a write against a closing or closed period.
	ErrPeriodClosed = errors.New("ledger: period is closed for posting")
	// ErrNoPeriodForDate indicates no period covers the effective date.
	ErrNoPeriodForDate = errors.New("ledger: no accounting period covers date")
	// ErrCrossTenant indicates an entity outside the caller's company scope.
	ErrCrossTenant = errors.New("ledger: entity belongs to another company")
	// ErrAccountInactive indicates a line references a deactivated account.
	ErrAccountInactive = errors.New("ledger: account is inactive")
	// ErrAccountInUse indicates the account is referenced by posted lines.
	ErrAccountInUse = errors.New("ledger: account referenced by posted entries")
	// ErrDuplicateCode indicates the account code already exists for the company.
	ErrDuplicateCode = errors.New("ledger: account code already exists")
	// ErrPeriodOverlap indicates the period range conflicts within a fiscal year.
	ErrPeriodOverlap = errors.New("ledger: period overlaps existing range")
	// ErrInvalidEntry indicates malformed posting input.
	ErrInvalidEntry = errors.New("ledger: invalid journal entry")
	// ErrInvalidStatus indicates an illegal lifecycle transition.
	ErrInvalidStatus = errors.New("ledger: invalid status transition")
	// ErrNotFound indicates a missing entity within the company scope.
	ErrNotFound = errors.New("ledger: not found")
	// ErrRequestInFlight indicates another request holding the same
	// idempotency key has not finished yet.
	ErrRequestInFlight = errors.New("ledger: identical request already in flight")
)

// UnbalancedError reports a debit/credit mismatch with both sums.
type UnbalancedError struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("ledger: entry does not balance: debit=%s credit=%s", e.Debit, e.Credit)
}

// InsufficientBalanceError reports an allocation exceeding a remaining
// amount. Exactly one of InvoiceID and PaymentID is set, naming the side
// that ran short. The caller can retry with a smaller amount.
type InsufficientBalanceError struct {
	InvoiceID string
	PaymentID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	if e.PaymentID != "" {
		return fmt.Sprintf("ledger: allocation %s exceeds unallocated %s on payment %s", e.Requested, e.Available, e.PaymentID)
	}
	return fmt.Sprintf("ledger: allocation %s exceeds available %s on invoice %s", e.Requested, e.Available, e.InvoiceID)
}

package journals

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quillbooks/quillbooks/internal/ledger/money"
	"github.com/quillbooks/quillbooks/internal/ledger/shared"
)

// LineInput describes one journal line for posting or drafting.
type LineInput struct {
	AccountID   uuid.UUID
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	Reference   string
	Date        time.Time
	Description string
	Source      SourceRef
	Lines       []LineInput
	// IdempotencyKey, when set, makes a retried posting return the original
	// result without re-executing.
	IdempotencyKey string
}

// validateLines enforces the one-side-only rule and non-negative amounts.
func validateLines(lines []LineInput) error {
	for idx, line := range lines {
		if line.AccountID == uuid.Nil {
			return fmt.Errorf("%w: line %d missing account", shared.ErrInvalidEntry, idx+1)
		}
		if money.IsNegative(line.Debit) || money.IsNegative(line.Credit) {
			return fmt.Errorf("%w: line %d negative amount", shared.ErrInvalidEntry, idx+1)
		}
		debitSet := money.IsPositive(line.Debit)
		creditSet := money.IsPositive(line.Credit)
		if debitSet && creditSet {
			return fmt.Errorf("%w: line %d cannot carry both sides", shared.ErrInvalidEntry, idx+1)
		}
		if !debitSet && !creditSet {
			return fmt.Errorf("%w: line %d has no amount", shared.ErrInvalidEntry, idx+1)
		}
	}
	return nil
}

// Validate applies the full posting rules: at least two lines, one side per
// line, and balance at the given currency precision.
func (in PostingInput) Validate(currencyCode string) error {
	if in.Date.IsZero() {
		return fmt.Errorf("%w: entry date required", shared.ErrInvalidEntry)
	}
	if err := in.Source.Validate(); err != nil {
		return err
	}
	if len(in.Lines) < 2 {
		return fmt.Errorf("%w: at least two lines required", shared.ErrInvalidEntry)
	}
	if err := validateLines(in.Lines); err != nil {
		return err
	}
	debit, credit := totals(in.Lines, currencyCode)
	if !debit.Equal(credit) {
		return &shared.UnbalancedError{Debit: debit, Credit: credit}
	}
	return nil
}

// ValidateDraft applies structural rules only; drafts may be unbalanced and
// may hold fewer than two lines while being assembled.
func (in PostingInput) ValidateDraft() error {
	if in.Date.IsZero() {
		return fmt.Errorf("%w: entry date required", shared.ErrInvalidEntry)
	}
	if err := in.Source.Validate(); err != nil {
		return err
	}
	return validateLines(in.Lines)
}

func totals(lines []LineInput, currencyCode string) (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, line := range lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return money.Round(debit, currencyCode), money.Round(credit, currencyCode)
}

// VoidInput wraps parameters for voiding a posted entry.
type VoidInput struct {
	EntryID uuid.UUID
	Reason  string
}

// Validate requires an entry id and a reason.
func (in VoidInput) Validate() error {
	if in.EntryID == uuid.Nil {
		return errors.New("journals: entry id required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return errors.New("journals: void reason required")
	}
	return nil
}

// Package close drives the accounting period lifecycle: close requests,
// finalization, and reopening. Posting eligibility itself is enforced by the
// journals engine; this package owns the transitions and their preconditions.
package close

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotReadyError reports why a period cannot move toward CLOSED. All three
// counts are evaluated together so the caller sees the full picture at once.
type NotReadyError struct {
	DraftEntries    int
	OpenDocuments   int
	PendingPayments int
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("close: period not ready: %d draft entries, %d open documents, %d pending payments",
		e.DraftEntries, e.OpenDocuments, e.PendingPayments)
}

// Ready reports whether nothing blocks the close.
func (e *NotReadyError) Ready() bool {
	return e.DraftEntries == 0 && e.OpenDocuments == 0 && e.PendingPayments == 0
}

// CloseInput identifies the period being closed.
type CloseInput struct {
	PeriodID uuid.UUID
}

// Validate requires a period id.
func (in CloseInput) Validate() error {
	if in.PeriodID == uuid.Nil {
		return errors.New("close: period id required")
	}
	return nil
}

// ReopenInput identifies the period and carries the mandatory justification.
type ReopenInput struct {
	PeriodID uuid.UUID
	Reason   string
}

// Validate requires a period id and a reason.
func (in ReopenInput) Validate() error {
	if in.PeriodID == uuid.Nil {
		return errors.New("close: period id required")
	}
	if in.Reason == "" {
		return errors.New("close: reopen reason required")
	}
	return nil
}

// Transition is one recorded status change, kept append-only for audit.
type Transition struct {
	ID       uuid.UUID
	PeriodID uuid.UUID
	From     string
	To       string
	ActorID  uuid.UUID
	Reason   string
	At       time.Time
}

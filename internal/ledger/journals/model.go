package journals

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryStatus enumerates journal lifecycle values.
type EntryStatus string

const (
	EntryStatusDraft  EntryStatus = "DRAFT"
	EntryStatusPosted EntryStatus = "POSTED"
	EntryStatusVoid   EntryStatus = "VOID"
)

// SourceKind closes the set of documents an entry may originate from.
type SourceKind string

const (
	SourceManual   SourceKind = "MANUAL"
	SourceInvoice  SourceKind = "INVOICE"
	SourceBill     SourceKind = "BILL"
	SourcePayment  SourceKind = "PAYMENT"
	SourceReversal SourceKind = "REVERSAL"
)

// SourceRef links an entry back to its originating document.
type SourceRef struct {
	Kind SourceKind `json:"kind"`
	ID   uuid.UUID  `json:"id"`
}

// Validate rejects kinds outside the closed set.
func (s SourceRef) Validate() error {
	switch s.Kind {
	case SourceManual, SourceReversal:
		return nil
	case SourceInvoice, SourceBill, SourcePayment:
		if s.ID == uuid.Nil {
			return fmt.Errorf("journals: source %s requires a document id", s.Kind)
		}
		return nil
	default:
		return fmt.Errorf("journals: unknown source kind %q", s.Kind)
	}
}

// JournalEntry captures posting metadata. Totals are computed and validated
// inside the posting transaction, never recomputed after the fact.
type JournalEntry struct {
	ID          uuid.UUID
	CompanyID   uuid.UUID
	Reference   string
	Date        time.Time
	Description string
	Status      EntryStatus
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
	Source      SourceRef
	CreatedBy   uuid.UUID
	PostedBy    *uuid.UUID
	PostedAt    *time.Time
	VoidReason  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Lines       []JournalLine
}

// JournalLine stores a debit or credit amount for an account. Exactly one
// side is non-zero. LineNumber orders lines for display only.
type JournalLine struct {
	ID          uuid.UUID
	EntryID     uuid.UUID
	AccountID   uuid.UUID
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
	LineNumber  int
}

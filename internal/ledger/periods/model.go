package periods

import (
	"time"

	"github.com/google/uuid"
)

// PeriodStatus enumerates the period lifecycle.
//
//	FUTURE -> OPEN -> CLOSING -> CLOSED -> REOPENED -> CLOSING -> CLOSED
//
// REOPENED behaves like OPEN for posting but stays distinguishable for audit.
type PeriodStatus string

const (
	PeriodStatusFuture   PeriodStatus = "FUTURE"
	PeriodStatusOpen     PeriodStatus = "OPEN"
	PeriodStatusClosing  PeriodStatus = "CLOSING"
	PeriodStatusClosed   PeriodStatus = "CLOSED"
	PeriodStatusReopened PeriodStatus = "REOPENED"
)

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to PeriodStatus) bool {
	switch from {
	case PeriodStatusFuture:
		return to == PeriodStatusOpen
	case PeriodStatusOpen:
		return to == PeriodStatusClosing
	case PeriodStatusClosing:
		return to == PeriodStatusClosed
	case PeriodStatusClosed:
		return to == PeriodStatusReopened
	case PeriodStatusReopened:
		return to == PeriodStatusClosing
	default:
		return false
	}
}

// AcceptsPostings reports whether the posting engine may write into the period.
func (s PeriodStatus) AcceptsPostings() bool {
	return s == PeriodStatusOpen || s == PeriodStatusReopened
}

// FiscalYear groups twelve monthly periods.
type FiscalYear struct {
	ID        uuid.UUID
	CompanyID uuid.UUID
	Year      int
	StartDate time.Time
	EndDate   time.Time
	CreatedAt time.Time
}

// Period is a bounded date range; boundaries are inclusive on both ends.
type Period struct {
	ID           uuid.UUID
	CompanyID    uuid.UUID
	FiscalYearID uuid.UUID
	Name         string
	StartDate    time.Time
	EndDate      time.Time
	Status       PeriodStatus
	ClosedBy     *uuid.UUID
	ClosedAt     *time.Time
	ReopenReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contains reports whether date falls inside the period (inclusive bounds).
func (p Period) Contains(date time.Time) bool {
	d := date.Truncate(24 * time.Hour)
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

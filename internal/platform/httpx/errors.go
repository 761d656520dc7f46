// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/platform/lock"
)

// RespondError maps domain errors to HTTP responses using RFC7807. Structured
// errors carry their fields in the extra member so callers never depend on
// message text.
func RespondError(w http.ResponseWriter, err error) {
	var unbalanced *shared.UnbalancedError
	var insufficient *shared.InsufficientBalanceError

	switch {
	case errors.As(err, &unbalanced):
		ProblemWith(w, http.StatusUnprocessableEntity, "Entry Unbalanced", err.Error(), map[string]any{
			"debit":  unbalanced.Debit.String(),
			"credit": unbalanced.Credit.String(),
		})
	case errors.As(err, &insufficient):
		extra := map[string]any{
			"requested": insufficient.Requested.String(),
			"available": insufficient.Available.String(),
		}
		if insufficient.InvoiceID != "" {
			extra["invoice_id"] = insufficient.InvoiceID
		}
		if insufficient.PaymentID != "" {
			extra["payment_id"] = insufficient.PaymentID
		}
		ProblemWith(w, http.StatusUnprocessableEntity, "Insufficient Balance", err.Error(), extra)
	case errors.Is(err, shared.ErrPeriodClosed):
		Problem(w, http.StatusConflict, "Period Closed", err.Error())
	case errors.Is(err, shared.ErrNoPeriodForDate):
		Problem(w, http.StatusUnprocessableEntity, "No Period For Date", err.Error())
	case errors.Is(err, shared.ErrCrossTenant):
		Problem(w, http.StatusForbidden, "Cross Tenant", err.Error())
	case errors.Is(err, shared.ErrAccountInactive),
		errors.Is(err, shared.ErrInvalidEntry),
		errors.Is(err, shared.ErrInvalidStatus):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrDuplicateCode),
		errors.Is(err, shared.ErrPeriodOverlap),
		errors.Is(err, shared.ErrAccountInUse):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrRequestInFlight):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusConflict, "Request In Flight", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, lock.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Lock Timeout", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

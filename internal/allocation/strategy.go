package allocation

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quillbooks/quillbooks/internal/ledger/money"
)

// Method names an allocation policy. Policies are pure functions from a
// payment amount and a list of open invoices to (invoice, amount) pairs;
// the commit logic never depends on which one produced the plan.
type Method string

const (
	MethodManual       Method = "MANUAL"
	MethodFIFO         Method = "FIFO"
	MethodProportional Method = "PROPORTIONAL"
	MethodLargestFirst Method = "LARGEST_FIRST"
)

// ValidMethod reports whether m is a known policy.
func ValidMethod(m Method) bool {
	switch m {
	case MethodManual, MethodFIFO, MethodProportional, MethodLargestFirst:
		return true
	default:
		return false
	}
}

// ErrManualPlan indicates MANUAL was asked to compute a plan; manual
// allocations arrive as explicit requests from the caller.
var ErrManualPlan = errors.New("allocation: manual method requires explicit requests")

// Plan distributes amount across the open invoices according to method.
// Inputs are never mutated; the returned requests sum to at most amount and
// never exceed any invoice's balance due.
func Plan(method Method, amount decimal.Decimal, open []Invoice, currencyCode string) ([]Request, error) {
	if !money.IsPositive(amount) {
		return nil, errors.New("allocation: plan amount must be positive")
	}
	switch method {
	case MethodFIFO:
		return planOrdered(amount, sortedByDueDate(open), currencyCode), nil
	case MethodLargestFirst:
		return planOrdered(amount, sortedByBalanceDesc(open), currencyCode), nil
	case MethodProportional:
		return planProportional(amount, open, currencyCode), nil
	case MethodManual:
		return nil, ErrManualPlan
	default:
		return nil, errors.New("allocation: unknown method " + string(method))
	}
}

func planOrdered(amount decimal.Decimal, ordered []Invoice, currencyCode string) []Request {
	remaining := amount
	var out []Request
	for _, inv := range ordered {
		if !money.IsPositive(remaining) {
			break
		}
		take := decimal.Min(remaining, inv.BalanceDue)
		take = money.Round(take, currencyCode)
		if !money.IsPositive(take) {
			continue
		}
		out = append(out, Request{InvoiceID: inv.ID, Amount: take})
		remaining = remaining.Sub(take)
	}
	return out
}

// planProportional splits pro-rata by balance due, pushing the rounding
// remainder onto the last invoice so the plan total matches exactly.
func planProportional(amount decimal.Decimal, open []Invoice, currencyCode string) []Request {
	totalDue := decimal.Zero
	eligible := make([]Invoice, 0, len(open))
	for _, inv := range open {
		if money.IsPositive(inv.BalanceDue) {
			eligible = append(eligible, inv)
			totalDue = totalDue.Add(inv.BalanceDue)
		}
	}
	if len(eligible) == 0 || !money.IsPositive(totalDue) {
		return nil
	}
	// Paying more than the total due degenerates to paying everything off.
	if amount.GreaterThanOrEqual(totalDue) {
		out := make([]Request, 0, len(eligible))
		for _, inv := range eligible {
			out = append(out, Request{InvoiceID: inv.ID, Amount: inv.BalanceDue})
		}
		return out
	}
	out := make([]Request, 0, len(eligible))
	distributed := decimal.Zero
	for i, inv := range eligible {
		var share decimal.Decimal
		if i == len(eligible)-1 {
			share = amount.Sub(distributed)
		} else {
			share = money.Round(amount.Mul(inv.BalanceDue).Div(totalDue), currencyCode)
		}
		if share.GreaterThan(inv.BalanceDue) {
			share = inv.BalanceDue
		}
		if !money.IsPositive(share) {
			continue
		}
		out = append(out, Request{InvoiceID: inv.ID, Amount: share})
		distributed = distributed.Add(share)
	}
	return out
}

func sortedByDueDate(open []Invoice) []Invoice {
	out := append([]Invoice(nil), open...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].Number < out[j].Number
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return out
}

func sortedByBalanceDesc(open []Invoice) []Invoice {
	out := append([]Invoice(nil), open...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BalanceDue.Equal(out[j].BalanceDue) {
			return out[i].Number < out[j].Number
		}
		return out[i].BalanceDue.GreaterThan(out[j].BalanceDue)
	})
	return out
}

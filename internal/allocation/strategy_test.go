package allocation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func openInvoice(number string, dueInDays int, balance string) Invoice {
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	b := decimal.RequireFromString(balance)
	return Invoice{
		ID:         uuid.New(),
		Number:     number,
		DueDate:    base.AddDate(0, 0, dueInDays),
		Currency:   "USD",
		Total:      b,
		BalanceDue: b,
		Status:     DocStatusPosted,
	}
}

func planTotal(plan []Request) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range plan {
		sum = sum.Add(r.Amount)
	}
	return sum
}

func TestPlanFIFOOrdersByDueDate(t *testing.T) {
	newer := openInvoice("INV-2", 20, "40.00")
	older := openInvoice("INV-1", 5, "30.00")

	plan, err := Plan(MethodFIFO, d("50.00"), []Invoice{newer, older}, "USD")
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, older.ID, plan[0].InvoiceID)
	require.True(t, plan[0].Amount.Equal(d("30.00")))
	require.Equal(t, newer.ID, plan[1].InvoiceID)
	require.True(t, plan[1].Amount.Equal(d("20.00")))
}

func TestPlanLargestFirst(t *testing.T) {
	small := openInvoice("INV-1", 5, "10.00")
	large := openInvoice("INV-2", 20, "90.00")

	plan, err := Plan(MethodLargestFirst, d("95.00"), []Invoice{small, large}, "USD")
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, large.ID, plan[0].InvoiceID)
	require.True(t, plan[0].Amount.Equal(d("90.00")))
	require.True(t, plan[1].Amount.Equal(d("5.00")))
}

func TestPlanProportionalSumsExactly(t *testing.T) {
	a := openInvoice("INV-1", 5, "33.33")
	b := openInvoice("INV-2", 10, "66.67")

	plan, err := Plan(MethodProportional, d("10.00"), []Invoice{a, b}, "USD")
	require.NoError(t, err)
	// Rounding remainder lands on the last invoice; the total is exact.
	require.True(t, planTotal(plan).Equal(d("10.00")))
	for i, r := range plan {
		require.True(t, r.Amount.IsPositive(), "request %d must be positive", i)
	}
}

func TestPlanProportionalFullPayoff(t *testing.T) {
	a := openInvoice("INV-1", 5, "20.00")
	b := openInvoice("INV-2", 10, "30.00")

	plan, err := Plan(MethodProportional, d("75.00"), []Invoice{a, b}, "USD")
	require.NoError(t, err)
	require.True(t, planTotal(plan).Equal(d("50.00")))
	require.True(t, plan[0].Amount.Equal(d("20.00")))
	require.True(t, plan[1].Amount.Equal(d("30.00")))
}

func TestPlanNeverExceedsBalances(t *testing.T) {
	a := openInvoice("INV-1", 5, "15.00")
	b := openInvoice("INV-2", 10, "25.00")

	for _, method := range []Method{MethodFIFO, MethodLargestFirst, MethodProportional} {
		plan, err := Plan(method, d("100.00"), []Invoice{a, b}, "USD")
		require.NoError(t, err)
		byInvoice := map[uuid.UUID]decimal.Decimal{a.ID: a.BalanceDue, b.ID: b.BalanceDue}
		for _, r := range plan {
			require.True(t, r.Amount.LessThanOrEqual(byInvoice[r.InvoiceID]),
				"method %s overdrew invoice", method)
		}
	}
}

func TestPlanManualRejected(t *testing.T) {
	_, err := Plan(MethodManual, d("10.00"), nil, "USD")
	require.ErrorIs(t, err, ErrManualPlan)
}

func TestPlanTieBreaksByNumber(t *testing.T) {
	a := openInvoice("INV-B", 5, "30.00")
	b := openInvoice("INV-A", 5, "30.00")

	plan, err := Plan(MethodFIFO, d("30.00"), []Invoice{a, b}, "USD")
	require.NoError(t, err)
	require.Equal(t, b.ID, plan[0].InvoiceID)
}

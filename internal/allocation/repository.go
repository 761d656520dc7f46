package allocation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/platform/db"
)

// Repository encapsulates DB operations for payments and allocations.
type Repository interface {
	GetPayment(ctx context.Context, companyID, paymentID uuid.UUID) (Payment, error)
	GetInvoice(ctx context.Context, companyID, invoiceID uuid.UUID) (Invoice, error)
	ListOpenInvoices(ctx context.Context, companyID uuid.UUID, kind DocKind) ([]Invoice, error)
	ListAllocations(ctx context.Context, companyID, paymentID uuid.UUID) ([]Allocation, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within an allocation transaction.
// Balances are always recomputed from the authoritative sum of non-reversed
// allocations, inside the same transaction that writes them.
type TxRepository interface {
	GetPaymentForUpdate(ctx context.Context, companyID, paymentID uuid.UUID) (Payment, error)
	GetInvoicesForUpdate(ctx context.Context, companyID uuid.UUID, ids []uuid.UUID) ([]Invoice, error)
	GetAllocationForUpdate(ctx context.Context, companyID, allocationID uuid.UUID) (Allocation, error)
	InsertAllocations(ctx context.Context, allocs []Allocation) error
	MarkReversed(ctx context.Context, allocationID uuid.UUID, reason string, at time.Time) error
	RecomputeInvoice(ctx context.Context, invoiceID uuid.UUID) (Invoice, error)
	RecomputePayment(ctx context.Context, paymentID uuid.UUID) (Payment, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the postgres-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const paymentColumns = `id, company_id, number, currency, amount, allocated, paid_at, status, created_at, updated_at`
const invoiceColumns = `id, company_id, kind, number, due_date, currency, total_amount, paid_amount, balance_due, status, created_at, updated_at`
const allocationColumns = `id, company_id, payment_id, invoice_id, amount, allocation_date, method, reversed, reversed_at, COALESCE(reversed_reason, ''), created_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.CompanyID, &p.Number, &p.Currency, &p.Amount, &p.Allocated, &p.PaidAt, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.CompanyID, &inv.Kind, &inv.Number, &inv.DueDate, &inv.Currency, &inv.Total, &inv.Paid, &inv.BalanceDue, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func scanAllocation(row pgx.Row) (Allocation, error) {
	var a Allocation
	err := row.Scan(&a.ID, &a.CompanyID, &a.PaymentID, &a.InvoiceID, &a.Amount, &a.Date, &a.Method, &a.Reversed, &a.ReversedAt, &a.ReversedReason, &a.CreatedAt)
	return a, err
}

func notFoundOr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}
	return err
}

func (r *repository) GetPayment(ctx context.Context, companyID, paymentID uuid.UUID) (Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE id=$1 AND company_id=$2`, paymentID, companyID))
	if err != nil {
		return Payment{}, notFoundOr(err)
	}
	return p, nil
}

func (r *repository) GetInvoice(ctx context.Context, companyID, invoiceID uuid.UUID) (Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE id=$1 AND company_id=$2`, invoiceID, companyID))
	if err != nil {
		return Invoice{}, notFoundOr(err)
	}
	return inv, nil
}

func (r *repository) ListOpenInvoices(ctx context.Context, companyID uuid.UUID, kind DocKind) ([]Invoice, error) {
	rows, err := r.db.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE company_id=$1 AND kind=$2 AND status='POSTED' AND balance_due > 0
ORDER BY due_date ASC, number ASC`, companyID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *repository) ListAllocations(ctx context.Context, companyID, paymentID uuid.UUID) ([]Allocation, error) {
	rows, err := r.db.Query(ctx, `SELECT `+allocationColumns+` FROM payment_allocations
WHERE company_id=$1 AND payment_id=$2 ORDER BY created_at ASC`, companyID, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetPaymentForUpdate(ctx context.Context, companyID, paymentID uuid.UUID) (Payment, error) {
	p, err := scanPayment(r.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE id=$1 AND company_id=$2 FOR UPDATE`, paymentID, companyID))
	if err != nil {
		return Payment{}, notFoundOr(err)
	}
	return p, nil
}

// GetInvoicesForUpdate locks invoice rows in id order so two concurrent
// allocations touching overlapping invoices cannot deadlock.
func (r *txRepository) GetInvoicesForUpdate(ctx context.Context, companyID uuid.UUID, ids []uuid.UUID) ([]Invoice, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
WHERE company_id=$1 AND id = ANY($2) ORDER BY id ASC FOR UPDATE`, companyID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *txRepository) GetAllocationForUpdate(ctx context.Context, companyID, allocationID uuid.UUID) (Allocation, error) {
	a, err := scanAllocation(r.tx.QueryRow(ctx, `SELECT `+allocationColumns+` FROM payment_allocations
WHERE id=$1 AND company_id=$2 FOR UPDATE`, allocationID, companyID))
	if err != nil {
		return Allocation{}, notFoundOr(err)
	}
	return a, nil
}

func (r *txRepository) InsertAllocations(ctx context.Context, allocs []Allocation) error {
	for _, a := range allocs {
		if _, err := r.tx.Exec(ctx, `INSERT INTO payment_allocations
(id, company_id, payment_id, invoice_id, amount, allocation_date, method)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			a.ID, a.CompanyID, a.PaymentID, a.InvoiceID, a.Amount, a.Date, a.Method); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) MarkReversed(ctx context.Context, allocationID uuid.UUID, reason string, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE payment_allocations
SET reversed=TRUE, reversed_at=$2, reversed_reason=$3
WHERE id=$1 AND NOT reversed`, allocationID, at, reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrInvalidStatus
	}
	return nil
}

func (r *txRepository) RecomputeInvoice(ctx context.Context, invoiceID uuid.UUID) (Invoice, error) {
	inv, err := scanInvoice(r.tx.QueryRow(ctx, `UPDATE invoices SET
paid_amount = agg.paid,
balance_due = invoices.total_amount - agg.paid,
status = CASE
	WHEN invoices.status = 'POSTED' AND invoices.total_amount - agg.paid <= 0 THEN 'PAID'
	WHEN invoices.status = 'PAID' AND invoices.total_amount - agg.paid > 0 THEN 'POSTED'
	ELSE invoices.status
END,
updated_at = NOW()
FROM (SELECT COALESCE(SUM(amount), 0) AS paid FROM payment_allocations
      WHERE invoice_id=$1 AND NOT reversed) agg
WHERE invoices.id=$1
RETURNING `+invoiceColumns, invoiceID))
	if err != nil {
		return Invoice{}, notFoundOr(err)
	}
	return inv, nil
}

func (r *txRepository) RecomputePayment(ctx context.Context, paymentID uuid.UUID) (Payment, error) {
	p, err := scanPayment(r.tx.QueryRow(ctx, `UPDATE payments SET
allocated = agg.allocated,
updated_at = NOW()
FROM (SELECT COALESCE(SUM(amount), 0) AS allocated FROM payment_allocations
      WHERE payment_id=$1 AND NOT reversed) agg
WHERE payments.id=$1
RETURNING `+paymentColumns, paymentID))
	if err != nil {
		return Payment{}, notFoundOr(err)
	}
	return p, nil
}

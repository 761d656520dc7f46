package close

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillbooks/quillbooks/internal/ledger/periods"
	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/platform/db"
)

// Repository encapsulates DB operations for period transitions.
type Repository interface {
	ListTransitions(ctx context.Context, companyID, periodID uuid.UUID) ([]Transition, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a close transaction. The
// period row stays locked until commit so postings and transitions serialize
// against each other.
type TxRepository interface {
	GetPeriodForUpdate(ctx context.Context, companyID, periodID uuid.UUID) (periods.Period, error)
	CountDraftEntries(ctx context.Context, companyID uuid.UUID, start, end time.Time) (int, error)
	CountOpenDocuments(ctx context.Context, companyID uuid.UUID, start, end time.Time) (int, error)
	CountPendingPayments(ctx context.Context, companyID uuid.UUID, start, end time.Time) (int, error)
	UpdateStatus(ctx context.Context, period periods.Period) error
	InsertTransition(ctx context.Context, t Transition) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the postgres-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) ListTransitions(ctx context.Context, companyID, periodID uuid.UUID) ([]Transition, error) {
	rows, err := r.db.Query(ctx, `SELECT t.id, t.period_id, t.from_status, t.to_status, t.actor_id, COALESCE(t.reason, ''), t.occurred_at
FROM period_transitions t
JOIN accounting_periods p ON p.id = t.period_id
WHERE t.period_id=$1 AND p.company_id=$2
ORDER BY t.occurred_at ASC`, periodID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.PeriodID, &t.From, &t.To, &t.ActorID, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
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

func (r *txRepository) GetPeriodForUpdate(ctx context.Context, companyID, periodID uuid.UUID) (periods.Period, error) {
	var p periods.Period
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, fiscal_year_id, name, start_date, end_date, status, closed_by, closed_at, COALESCE(reopen_reason, ''), created_at, updated_at
FROM accounting_periods WHERE id=$1 AND company_id=$2 FOR UPDATE`, periodID, companyID).
		Scan(&p.ID, &p.CompanyID, &p.FiscalYearID, &p.Name, &p.StartDate, &p.EndDate, &p.Status,
			&p.ClosedBy, &p.ClosedAt, &p.ReopenReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return periods.Period{}, shared.ErrNotFound
	}
	return p, err
}

func (r *txRepository) CountDraftEntries(ctx context.Context, companyID uuid.UUID, start, end time.Time) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries
WHERE company_id=$1 AND status='DRAFT' AND entry_date BETWEEN $2 AND $3`, companyID, start, end).Scan(&n)
	return n, err
}

func (r *txRepository) CountOpenDocuments(ctx context.Context, companyID uuid.UUID, start, end time.Time) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM invoices
WHERE company_id=$1 AND status='DRAFT' AND due_date BETWEEN $2 AND $3`, companyID, start, end).Scan(&n)
	return n, err
}

func (r *txRepository) CountPendingPayments(ctx context.Context, companyID uuid.UUID, start, end time.Time) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM payments
WHERE company_id=$1 AND status='PENDING' AND paid_at::date BETWEEN $2 AND $3`, companyID, start, end).Scan(&n)
	return n, err
}

func (r *txRepository) UpdateStatus(ctx context.Context, period periods.Period) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounting_periods
SET status=$2, closed_by=$3, closed_at=$4, reopen_reason=$5, updated_at=NOW()
WHERE id=$1`, period.ID, period.Status, period.ClosedBy, period.ClosedAt, period.ReopenReason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertTransition(ctx context.Context, t Transition) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO period_transitions
(id, period_id, from_status, to_status, actor_id, reason, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.PeriodID, t.From, t.To, t.ActorID, t.Reason, t.At)
	return err
}

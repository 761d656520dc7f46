package periods

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

// Repository encapsulates DB operations for fiscal years and periods.
type Repository interface {
	InsertFiscalYear(ctx context.Context, fy FiscalYear, periods []Period) error
	RangeConflict(ctx context.Context, companyID uuid.UUID, start, end time.Time) (bool, error)
	Get(ctx context.Context, companyID, periodID uuid.UUID) (Period, error)
	PeriodForDate(ctx context.Context, companyID uuid.UUID, date time.Time) (Period, error)
	List(ctx context.Context, companyID uuid.UUID) ([]Period, error)
	ActivateDue(ctx context.Context, now time.Time) (int64, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the postgres-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const periodColumns = `id, company_id, fiscal_year_id, name, start_date, end_date, status, closed_by, closed_at, COALESCE(reopen_reason, ''), created_at, updated_at`

func (r *repository) InsertFiscalYear(ctx context.Context, fy FiscalYear, periods []Period) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO fiscal_years (id, company_id, year, start_date, end_date)
VALUES ($1,$2,$3,$4,$5)`, fy.ID, fy.CompanyID, fy.Year, fy.StartDate, fy.EndDate); err != nil {
			return err
		}
		for _, p := range periods {
			if _, err := tx.Exec(ctx, `INSERT INTO accounting_periods (id, company_id, fiscal_year_id, name, start_date, end_date, status)
VALUES ($1,$2,$3,$4,$5,$6,$7)`, p.ID, p.CompanyID, p.FiscalYearID, p.Name, p.StartDate, p.EndDate, p.Status); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repository) RangeConflict(ctx context.Context, companyID uuid.UUID, start, end time.Time) (bool, error) {
	var conflict bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(
SELECT 1 FROM accounting_periods
WHERE company_id=$1 AND start_date <= $3 AND end_date >= $2)`, companyID, start, end).Scan(&conflict)
	return conflict, err
}

func (r *repository) Get(ctx context.Context, companyID, periodID uuid.UUID) (Period, error) {
	var p Period
	err := r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods WHERE id=$1 AND company_id=$2`, periodID, companyID).
		Scan(&p.ID, &p.CompanyID, &p.FiscalYearID, &p.Name, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedBy, &p.ClosedAt, &p.ReopenReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, shared.ErrNotFound
		}
		return Period{}, err
	}
	return p, nil
}

func (r *repository) PeriodForDate(ctx context.Context, companyID uuid.UUID, date time.Time) (Period, error) {
	var p Period
	err := r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM accounting_periods
WHERE company_id=$1 AND start_date <= $2 AND end_date >= $2`, companyID, date).
		Scan(&p.ID, &p.CompanyID, &p.FiscalYearID, &p.Name, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedBy, &p.ClosedAt, &p.ReopenReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, shared.ErrNoPeriodForDate
		}
		return Period{}, err
	}
	return p, nil
}

func (r *repository) List(ctx context.Context, companyID uuid.UUID) ([]Period, error) {
	rows, err := r.db.Query(ctx, `SELECT `+periodColumns+` FROM accounting_periods
WHERE company_id=$1 ORDER BY start_date ASC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		var p Period
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.FiscalYearID, &p.Name, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedBy, &p.ClosedAt, &p.ReopenReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repository) ActivateDue(ctx context.Context, now time.Time) (int64, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE accounting_periods SET status=$1, updated_at=NOW()
WHERE status=$2 AND start_date <= $3`, PeriodStatusOpen, PeriodStatusFuture, now)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

package accounts

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillbooks/quillbooks/internal/ledger/shared"
)

// Repository encapsulates DB operations for the chart of accounts.
type Repository interface {
	Insert(ctx context.Context, account Account) (Account, error)
	Update(ctx context.Context, account Account) error
	SetActive(ctx context.Context, companyID, accountID uuid.UUID, active bool) error
	Get(ctx context.Context, companyID, accountID uuid.UUID) (Account, error)
	List(ctx context.Context, companyID uuid.UUID, activeOnly bool) ([]Account, error)
	ReferencedByPostedLines(ctx context.Context, accountID uuid.UUID) (bool, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the postgres-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const accountColumns = `id, company_id, code, name, type, normal_balance, parent_id, active, system, metadata, created_at, updated_at`

func (r *repository) Insert(ctx context.Context, a Account) (Account, error) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return Account{}, err
	}
	row := r.db.QueryRow(ctx, `INSERT INTO accounts (id, company_id, code, name, type, normal_balance, parent_id, active, system, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING created_at, updated_at`,
		a.ID, a.CompanyID, a.Code, a.Name, a.Type, a.NormalBalance, a.ParentID, a.Active, a.System, meta)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, shared.ErrDuplicateCode
		}
		return Account{}, err
	}
	return a, nil
}

func (r *repository) Update(ctx context.Context, a Account) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	cmd, err := r.db.Exec(ctx, `UPDATE accounts SET name=$3, metadata=$4, updated_at=NOW()
WHERE id=$1 AND company_id=$2`, a.ID, a.CompanyID, a.Name, meta)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) SetActive(ctx context.Context, companyID, accountID uuid.UUID, active bool) error {
	cmd, err := r.db.Exec(ctx, `UPDATE accounts SET active=$3, updated_at=NOW()
WHERE id=$1 AND company_id=$2`, accountID, companyID, active)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) Get(ctx context.Context, companyID, accountID uuid.UUID) (Account, error) {
	var a Account
	var meta []byte
	err := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 AND company_id=$2`, accountID, companyID).
		Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Type, &a.NormalBalance, &a.ParentID, &a.Active, &a.System, &meta, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrNotFound
		}
		return Account{}, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a.Metadata)
	}
	return a, nil
}

func (r *repository) List(ctx context.Context, companyID uuid.UUID, activeOnly bool) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE company_id=$1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY code ASC`
	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		var a Account
		var meta []byte
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Type, &a.NormalBalance, &a.ParentID, &a.Active, &a.System, &meta, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &a.Metadata)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) ReferencedByPostedLines(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var referenced bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(
SELECT 1 FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE l.account_id=$1 AND e.status='POSTED')`, accountID).Scan(&referenced)
	return referenced, err
}

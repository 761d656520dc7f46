package journals

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

// AccountState is the slice of account data the posting engine validates
// against inside its transaction.
type AccountState struct {
	CompanyID uuid.UUID
	Active    bool
}

// Repository encapsulates DB operations for journals.
type Repository interface {
	Get(ctx context.Context, companyID, entryID uuid.UUID) (JournalEntry, error)
	List(ctx context.Context, companyID uuid.UUID, status EntryStatus) ([]JournalEntry, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a posting transaction.
// Period and account reads live here so their checks share the transaction
// that inserts the lines.
type TxRepository interface {
	InsertEntry(ctx context.Context, e JournalEntry) error
	InsertLines(ctx context.Context, lines []JournalLine) error
	GetEntryWithLines(ctx context.Context, companyID, entryID uuid.UUID) (JournalEntry, error)
	MarkPosted(ctx context.Context, e JournalEntry) error
	MarkVoid(ctx context.Context, entryID uuid.UUID, reason string) error
	UpdateDraft(ctx context.Context, e JournalEntry) error
	ReplaceDraftLines(ctx context.Context, entryID uuid.UUID, lines []JournalLine) error

	PeriodForDateForUpdate(ctx context.Context, companyID uuid.UUID, date time.Time) (periods.Period, error)
	AccountStates(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]AccountState, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository returns the postgres-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const entryColumns = `id, company_id, reference, entry_date, description, status, total_debit, total_credit, source_kind, source_id, created_by, posted_by, posted_at, COALESCE(void_reason, ''), created_at, updated_at`

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.CompanyID, &e.Reference, &e.Date, &e.Description, &e.Status,
		&e.TotalDebit, &e.TotalCredit, &e.Source.Kind, &e.Source.ID, &e.CreatedBy,
		&e.PostedBy, &e.PostedAt, &e.VoidReason, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (r *repository) Get(ctx context.Context, companyID, entryID uuid.UUID) (JournalEntry, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE id=$1 AND company_id=$2`, entryID, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, shared.ErrNotFound
		}
		return JournalEntry{}, err
	}
	lines, err := r.queryLines(ctx, r.db, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines = lines
	return entry, nil
}

func (r *repository) List(ctx context.Context, companyID uuid.UUID, status EntryStatus) ([]JournalEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM journal_entries WHERE company_id=$1`
	args := []any{companyID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, status)
	}
	query += ` ORDER BY entry_date DESC, created_at DESC`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *repository) queryLines(ctx context.Context, q queryer, entryID uuid.UUID) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT id, entry_id, account_id, debit, credit, COALESCE(description, ''), line_number
FROM journal_lines WHERE entry_id=$1 ORDER BY line_number ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var line JournalLine
		if err := rows.Scan(&line.ID, &line.EntryID, &line.AccountID, &line.Debit, &line.Credit, &line.Description, &line.LineNumber); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, outer: r})
	})
}

type txRepository struct {
	tx    pgx.Tx
	outer *repository
}

func (r *txRepository) InsertEntry(ctx context.Context, e JournalEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO journal_entries
(id, company_id, reference, entry_date, description, status, total_debit, total_credit, source_kind, source_id, created_by, posted_by, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.CompanyID, e.Reference, e.Date, e.Description, e.Status,
		e.TotalDebit, e.TotalCredit, e.Source.Kind, e.Source.ID, e.CreatedBy, e.PostedBy, e.PostedAt)
	return err
}

func (r *txRepository) InsertLines(ctx context.Context, lines []JournalLine) error {
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO journal_lines (id, entry_id, account_id, debit, credit, description, line_number)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			line.ID, line.EntryID, line.AccountID, line.Debit, line.Credit, line.Description, line.LineNumber); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetEntryWithLines(ctx context.Context, companyID, entryID uuid.UUID) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE id=$1 AND company_id=$2 FOR UPDATE`, entryID, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, shared.ErrNotFound
		}
		return JournalEntry{}, err
	}
	lines, err := r.outer.queryLines(ctx, r.tx, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Lines = lines
	return entry, nil
}

func (r *txRepository) MarkPosted(ctx context.Context, e JournalEntry) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries
SET status=$2, total_debit=$3, total_credit=$4, posted_by=$5, posted_at=$6, updated_at=NOW()
WHERE id=$1 AND status='DRAFT'`, e.ID, EntryStatusPosted, e.TotalDebit, e.TotalCredit, e.PostedBy, e.PostedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrInvalidStatus
	}
	return nil
}

func (r *txRepository) MarkVoid(ctx context.Context, entryID uuid.UUID, reason string) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries
SET status=$2, void_reason=$3, updated_at=NOW()
WHERE id=$1 AND status='POSTED'`, entryID, EntryStatusVoid, reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrInvalidStatus
	}
	return nil
}

func (r *txRepository) UpdateDraft(ctx context.Context, e JournalEntry) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries
SET reference=$2, entry_date=$3, description=$4, source_kind=$5, source_id=$6, updated_at=NOW()
WHERE id=$1 AND status='DRAFT'`, e.ID, e.Reference, e.Date, e.Description, e.Source.Kind, e.Source.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrInvalidStatus
	}
	return nil
}

func (r *txRepository) ReplaceDraftLines(ctx context.Context, entryID uuid.UUID, lines []JournalLine) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM journal_lines WHERE entry_id=$1`, entryID); err != nil {
		return err
	}
	return r.InsertLines(ctx, lines)
}

func (r *txRepository) PeriodForDateForUpdate(ctx context.Context, companyID uuid.UUID, date time.Time) (periods.Period, error) {
	// Locking the period row serializes postings against a concurrent close.
	var p periods.Period
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, fiscal_year_id, name, start_date, end_date, status, closed_by, closed_at, COALESCE(reopen_reason, ''), created_at, updated_at
FROM accounting_periods WHERE company_id=$1 AND start_date <= $2 AND end_date >= $2 FOR UPDATE`, companyID, date).
		Scan(&p.ID, &p.CompanyID, &p.FiscalYearID, &p.Name, &p.StartDate, &p.EndDate, &p.Status, &p.ClosedBy, &p.ClosedAt, &p.ReopenReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return periods.Period{}, shared.ErrNoPeriodForDate
		}
		return periods.Period{}, err
	}
	return p, nil
}

func (r *txRepository) AccountStates(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]AccountState, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, company_id, active FROM accounts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]AccountState, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var state AccountState
		if err := rows.Scan(&id, &state.CompanyID, &state.Active); err != nil {
			return nil, err
		}
		out[id] = state
	}
	return out, rows.Err()
}

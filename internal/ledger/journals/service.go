package journals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillbooks/quillbooks/internal/audit"
	"github.com/quillbooks/quillbooks/internal/ledger/money"
	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/observability"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

const actionPostEntry = "post_entry"

// IdempotencyPort reserves a key before the posting runs and stores the
// response after, so a retried or concurrent duplicate never executes twice.
type IdempotencyPort interface {
	Reserve(ctx context.Context, scope tenant.Scope, action, key string, request []byte) (response []byte, replayed bool, err error)
	Complete(ctx context.Context, scope tenant.Scope, action, key string, response []byte) error
	Release(ctx context.Context, scope tenant.Scope, action, key string) error
}

// Service is the posting engine: it validates and commits journal entries
// atomically, enforcing the balance and open-period invariants.
type Service struct {
	repo     Repository
	sink     audit.Sink
	idem     IdempotencyPort
	metrics  *observability.Metrics
	currency string
	now      func() time.Time
}

// NewService constructs a Service. currency sets the precision used for the
// balance check (minor units of the company's book currency).
func NewService(repo Repository, sink audit.Sink, idem IdempotencyPort, currency string) *Service {
	if currency == "" {
		currency = "USD"
	}
	return &Service{repo: repo, sink: sink, idem: idem, currency: currency, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches the Prometheus collectors. A nil receiver stays inert.
func (s *Service) WithMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Get loads one entry with lines within the company scope.
func (s *Service) Get(ctx context.Context, scope tenant.Scope, entryID uuid.UUID) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	return s.repo.Get(ctx, scope.CompanyID, entryID)
}

// List returns the company's entries, optionally filtered by status.
func (s *Service) List(ctx context.Context, scope tenant.Scope, status EntryStatus) ([]JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, scope.CompanyID, status)
}

// Post validates and commits a journal entry in one transaction. The period
// row is locked for the duration so a concurrent close cannot slip between
// the status check and the insert. All validation happens before any write.
func (s *Service) Post(ctx context.Context, scope tenant.Scope, input PostingInput) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if err := input.Validate(s.currency); err != nil {
		return JournalEntry{}, err
	}

	var reserved bool
	if input.IdempotencyKey != "" && s.idem != nil {
		request, err := json.Marshal(input)
		if err != nil {
			return JournalEntry{}, err
		}
		cached, replayed, err := s.idem.Reserve(ctx, scope, actionPostEntry, input.IdempotencyKey, request)
		if err != nil {
			return JournalEntry{}, err
		}
		if replayed {
			var entry JournalEntry
			if err := json.Unmarshal(cached, &entry); err != nil {
				return JournalEntry{}, fmt.Errorf("journals: decode cached response: %w", err)
			}
			return entry, nil
		}
		reserved = true
	}

	now := s.now()
	debit, credit := totals(input.Lines, s.currency)
	entry := JournalEntry{
		ID:          uuid.New(),
		CompanyID:   scope.CompanyID,
		Reference:   input.Reference,
		Date:        input.Date,
		Description: input.Description,
		Status:      EntryStatusPosted,
		TotalDebit:  debit,
		TotalCredit: credit,
		Source:      input.Source,
		CreatedBy:   scope.ActorID,
		PostedBy:    &scope.ActorID,
		PostedAt:    &now,
		Lines:       buildLines(uuid.Nil, input.Lines, s.currency),
	}
	for i := range entry.Lines {
		entry.Lines[i].EntryID = entry.ID
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := s.guardPeriod(ctx, tx, scope.CompanyID, input.Date); err != nil {
			return err
		}
		if err := s.checkAccounts(ctx, tx, scope.CompanyID, input.Lines); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return tx.InsertLines(ctx, entry.Lines)
	})
	if err != nil {
		if reserved {
			_ = s.idem.Release(ctx, scope, actionPostEntry, input.IdempotencyKey)
		}
		s.metrics.RecordPosting("rejected")
		return JournalEntry{}, err
	}

	s.emit(ctx, scope, "journal.posted", entrySnapshot(entry))
	s.metrics.RecordPosting("posted")
	if reserved {
		s.completeIdempotent(ctx, scope, input.IdempotencyKey, entry)
	}
	return entry, nil
}

// CreateDraft persists an entry that may be unbalanced. Drafts never touch
// period state; the open-period rule applies at posting time.
func (s *Service) CreateDraft(ctx context.Context, scope tenant.Scope, input PostingInput) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if err := input.ValidateDraft(); err != nil {
		return JournalEntry{}, err
	}
	debit, credit := totals(input.Lines, s.currency)
	entry := JournalEntry{
		ID:          uuid.New(),
		CompanyID:   scope.CompanyID,
		Reference:   input.Reference,
		Date:        input.Date,
		Description: input.Description,
		Status:      EntryStatusDraft,
		TotalDebit:  debit,
		TotalCredit: credit,
		Source:      input.Source,
		CreatedBy:   scope.ActorID,
		Lines:       buildLines(uuid.Nil, input.Lines, s.currency),
	}
	for i := range entry.Lines {
		entry.Lines[i].EntryID = entry.ID
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return tx.InsertLines(ctx, entry.Lines)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// UpdateDraft replaces a draft's header and lines wholesale. Only DRAFT
// entries are mutable.
func (s *Service) UpdateDraft(ctx context.Context, scope tenant.Scope, entryID uuid.UUID, input PostingInput) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if err := input.ValidateDraft(); err != nil {
		return JournalEntry{}, err
	}
	var updated JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryWithLines(ctx, scope.CompanyID, entryID)
		if err != nil {
			return err
		}
		if current.Status != EntryStatusDraft {
			return fmt.Errorf("%w: only drafts are editable", shared.ErrInvalidStatus)
		}
		current.Reference = input.Reference
		current.Date = input.Date
		current.Description = input.Description
		current.Source = input.Source
		if err := tx.UpdateDraft(ctx, current); err != nil {
			return err
		}
		lines := buildLines(current.ID, input.Lines, s.currency)
		if err := tx.ReplaceDraftLines(ctx, current.ID, lines); err != nil {
			return err
		}
		current.Lines = lines
		current.TotalDebit, current.TotalCredit = totals(input.Lines, s.currency)
		updated = current
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return updated, nil
}

// PostDraft transitions an existing draft to POSTED under the full rules.
func (s *Service) PostDraft(ctx context.Context, scope tenant.Scope, entryID uuid.UUID) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var posted JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryWithLines(ctx, scope.CompanyID, entryID)
		if err != nil {
			return err
		}
		if entry.Status != EntryStatusDraft {
			return fmt.Errorf("%w: entry is %s", shared.ErrInvalidStatus, entry.Status)
		}
		input := PostingInput{
			Reference:   entry.Reference,
			Date:        entry.Date,
			Description: entry.Description,
			Source:      entry.Source,
			Lines:       toLineInputs(entry.Lines),
		}
		if err := input.Validate(s.currency); err != nil {
			return err
		}
		if err := s.guardPeriod(ctx, tx, scope.CompanyID, entry.Date); err != nil {
			return err
		}
		if err := s.checkAccounts(ctx, tx, scope.CompanyID, input.Lines); err != nil {
			return err
		}
		now := s.now()
		entry.Status = EntryStatusPosted
		entry.TotalDebit, entry.TotalCredit = totals(input.Lines, s.currency)
		entry.PostedBy = &scope.ActorID
		entry.PostedAt = &now
		if err := tx.MarkPosted(ctx, entry); err != nil {
			return err
		}
		posted = entry
		return nil
	})
	if err != nil {
		s.metrics.RecordPosting("rejected")
		return JournalEntry{}, err
	}
	s.emit(ctx, scope, "journal.posted", entrySnapshot(posted))
	s.metrics.RecordPosting("posted")
	return posted, nil
}

// Void marks a posted entry VOID and writes a mirrored reversing entry.
// History is never mutated: the original lines stay untouched.
func (s *Service) Void(ctx context.Context, scope tenant.Scope, input VoidInput) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var reversal JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetEntryWithLines(ctx, scope.CompanyID, input.EntryID)
		if err != nil {
			return err
		}
		if original.Status != EntryStatusPosted {
			return fmt.Errorf("%w: entry is %s", shared.ErrInvalidStatus, original.Status)
		}
		if err := s.guardPeriod(ctx, tx, scope.CompanyID, original.Date); err != nil {
			return err
		}
		if err := tx.MarkVoid(ctx, original.ID, input.Reason); err != nil {
			return err
		}
		now := s.now()
		reversal = JournalEntry{
			ID:          uuid.New(),
			CompanyID:   scope.CompanyID,
			Reference:   "REV-" + original.Reference,
			Date:        original.Date,
			Description: fmt.Sprintf("Reversal of %s: %s", original.Reference, input.Reason),
			Status:      EntryStatusPosted,
			TotalDebit:  original.TotalCredit,
			TotalCredit: original.TotalDebit,
			Source:      SourceRef{Kind: SourceReversal, ID: original.ID},
			CreatedBy:   scope.ActorID,
			PostedBy:    &scope.ActorID,
			PostedAt:    &now,
			Lines:       mirrorLines(original.Lines),
		}
		for i := range reversal.Lines {
			reversal.Lines[i].EntryID = reversal.ID
		}
		if err := tx.InsertEntry(ctx, reversal); err != nil {
			return err
		}
		return tx.InsertLines(ctx, reversal.Lines)
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.emit(ctx, scope, "journal.voided", map[string]any{
		"entry_id":    input.EntryID.String(),
		"reversal_id": reversal.ID.String(),
		"reason":      input.Reason,
	})
	s.metrics.RecordPosting("posted")
	return reversal, nil
}

func (s *Service) guardPeriod(ctx context.Context, tx TxRepository, companyID uuid.UUID, date time.Time) error {
	period, err := tx.PeriodForDateForUpdate(ctx, companyID, date)
	if err != nil {
		return err
	}
	if !period.Status.AcceptsPostings() {
		return fmt.Errorf("%w: period %s is %s", shared.ErrPeriodClosed, period.Name, period.Status)
	}
	return nil
}

func (s *Service) checkAccounts(ctx context.Context, tx TxRepository, companyID uuid.UUID, lines []LineInput) error {
	ids := make([]uuid.UUID, 0, len(lines))
	seen := make(map[uuid.UUID]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.AccountID]; ok {
			continue
		}
		seen[line.AccountID] = struct{}{}
		ids = append(ids, line.AccountID)
	}
	states, err := tx.AccountStates(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		state, ok := states[id]
		if !ok {
			return fmt.Errorf("%w: account %s", shared.ErrNotFound, id)
		}
		if state.CompanyID != companyID {
			return fmt.Errorf("%w: account %s", shared.ErrCrossTenant, id)
		}
		if !state.Active {
			return fmt.Errorf("%w: account %s", shared.ErrAccountInactive, id)
		}
	}
	return nil
}

func (s *Service) emit(ctx context.Context, scope tenant.Scope, eventType string, payload map[string]any) {
	if s.sink == nil {
		return
	}
	_ = s.sink.Emit(ctx, audit.Event{
		Type:       eventType,
		CompanyID:  scope.CompanyID,
		ActorID:    scope.ActorID,
		Payload:    payload,
		OccurredAt: s.now(),
	})
}

func (s *Service) completeIdempotent(ctx context.Context, scope tenant.Scope, key string, entry JournalEntry) {
	response, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = s.idem.Complete(ctx, scope, actionPostEntry, key, response)
}

func buildLines(entryID uuid.UUID, inputs []LineInput, currencyCode string) []JournalLine {
	out := make([]JournalLine, 0, len(inputs))
	for i, in := range inputs {
		out = append(out, JournalLine{
			ID:          uuid.New(),
			EntryID:     entryID,
			AccountID:   in.AccountID,
			Debit:       money.Round(in.Debit, currencyCode),
			Credit:      money.Round(in.Credit, currencyCode),
			Description: in.Description,
			LineNumber:  i + 1,
		})
	}
	return out
}

func toLineInputs(lines []JournalLine) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, LineInput{
			AccountID:   line.AccountID,
			Debit:       line.Debit,
			Credit:      line.Credit,
			Description: line.Description,
		})
	}
	return out
}

func mirrorLines(lines []JournalLine) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for i, line := range lines {
		out = append(out, JournalLine{
			ID:          uuid.New(),
			AccountID:   line.AccountID,
			Debit:       line.Credit,
			Credit:      line.Debit,
			Description: line.Description,
			LineNumber:  i + 1,
		})
	}
	return out
}

func entrySnapshot(entry JournalEntry) map[string]any {
	lines := make([]map[string]any, 0, len(entry.Lines))
	for _, line := range entry.Lines {
		lines = append(lines, map[string]any{
			"account_id":  line.AccountID.String(),
			"debit":       line.Debit.String(),
			"credit":      line.Credit.String(),
			"line_number": line.LineNumber,
		})
	}
	return map[string]any{
		"entry_id":     entry.ID.String(),
		"reference":    entry.Reference,
		"date":         entry.Date.Format("2006-01-02"),
		"total_debit":  entry.TotalDebit.String(),
		"total_credit": entry.TotalCredit.String(),
		"source_kind":  string(entry.Source.Kind),
		"lines":        lines,
	}
}

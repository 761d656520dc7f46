package journals

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quillbooks/quillbooks/internal/audit"
	"github.com/quillbooks/quillbooks/internal/ledger/periods"
	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/observability"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

type memRepo struct {
	entries  map[uuid.UUID]JournalEntry
	periods  []periods.Period
	accounts map[uuid.UUID]AccountState
}

func newMemRepo() *memRepo {
	return &memRepo{
		entries:  make(map[uuid.UUID]JournalEntry),
		accounts: make(map[uuid.UUID]AccountState),
	}
}

func (m *memRepo) Get(_ context.Context, companyID, entryID uuid.UUID) (JournalEntry, error) {
	entry, ok := m.entries[entryID]
	if !ok || entry.CompanyID != companyID {
		return JournalEntry{}, shared.ErrNotFound
	}
	return entry, nil
}

func (m *memRepo) List(_ context.Context, companyID uuid.UUID, status EntryStatus) ([]JournalEntry, error) {
	var out []JournalEntry
	for _, e := range m.entries {
		if e.CompanyID != companyID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// WithTx stages writes and commits them only when fn succeeds, mirroring the
// transactional repository.
func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	staged := make(map[uuid.UUID]JournalEntry, len(m.entries))
	for k, v := range m.entries {
		staged[k] = v
	}
	tx := &memTx{repo: m, entries: staged}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.entries = staged
	return nil
}

type memTx struct {
	repo    *memRepo
	entries map[uuid.UUID]JournalEntry
}

func (t *memTx) InsertEntry(_ context.Context, e JournalEntry) error {
	e.Lines = nil
	t.entries[e.ID] = e
	return nil
}

func (t *memTx) InsertLines(_ context.Context, lines []JournalLine) error {
	if len(lines) == 0 {
		return nil
	}
	entry := t.entries[lines[0].EntryID]
	entry.Lines = append(entry.Lines, lines...)
	t.entries[entry.ID] = entry
	return nil
}

func (t *memTx) GetEntryWithLines(_ context.Context, companyID, entryID uuid.UUID) (JournalEntry, error) {
	entry, ok := t.entries[entryID]
	if !ok || entry.CompanyID != companyID {
		return JournalEntry{}, shared.ErrNotFound
	}
	return entry, nil
}

func (t *memTx) MarkPosted(_ context.Context, e JournalEntry) error {
	current, ok := t.entries[e.ID]
	if !ok || current.Status != EntryStatusDraft {
		return shared.ErrInvalidStatus
	}
	current.Status = EntryStatusPosted
	current.TotalDebit = e.TotalDebit
	current.TotalCredit = e.TotalCredit
	current.PostedBy = e.PostedBy
	current.PostedAt = e.PostedAt
	t.entries[e.ID] = current
	return nil
}

func (t *memTx) MarkVoid(_ context.Context, entryID uuid.UUID, reason string) error {
	current, ok := t.entries[entryID]
	if !ok || current.Status != EntryStatusPosted {
		return shared.ErrInvalidStatus
	}
	current.Status = EntryStatusVoid
	current.VoidReason = reason
	t.entries[entryID] = current
	return nil
}

func (t *memTx) UpdateDraft(_ context.Context, e JournalEntry) error {
	current, ok := t.entries[e.ID]
	if !ok || current.Status != EntryStatusDraft {
		return shared.ErrInvalidStatus
	}
	current.Reference = e.Reference
	current.Date = e.Date
	current.Description = e.Description
	current.Source = e.Source
	t.entries[e.ID] = current
	return nil
}

func (t *memTx) ReplaceDraftLines(_ context.Context, entryID uuid.UUID, lines []JournalLine) error {
	current := t.entries[entryID]
	current.Lines = lines
	t.entries[entryID] = current
	return nil
}

func (t *memTx) PeriodForDateForUpdate(_ context.Context, companyID uuid.UUID, date time.Time) (periods.Period, error) {
	for _, p := range t.repo.periods {
		if p.CompanyID == companyID && p.Contains(date) {
			return p, nil
		}
	}
	return periods.Period{}, shared.ErrNoPeriodForDate
}

func (t *memTx) AccountStates(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]AccountState, error) {
	out := make(map[uuid.UUID]AccountState)
	for _, id := range ids {
		if state, ok := t.repo.accounts[id]; ok {
			out[id] = state
		}
	}
	return out, nil
}

type memSink struct {
	events []audit.Event
}

func (s *memSink) Emit(_ context.Context, ev audit.Event) error {
	s.events = append(s.events, ev)
	return nil
}

// memIdem mirrors the reserve-first store: a key mapped to nil is reserved
// but not yet completed, a non-nil value is a stored response.
type memIdem struct {
	store map[string][]byte
}

func newMemIdem() *memIdem { return &memIdem{store: make(map[string][]byte)} }

func (m *memIdem) key(scope tenant.Scope, action, key string) string {
	return scope.CompanyID.String() + action + key
}

func (m *memIdem) Reserve(_ context.Context, scope tenant.Scope, action, key string, _ []byte) ([]byte, bool, error) {
	k := m.key(scope, action, key)
	if response, taken := m.store[k]; taken {
		if response == nil {
			return nil, false, shared.ErrRequestInFlight
		}
		return response, true, nil
	}
	m.store[k] = nil
	return nil, false, nil
}

func (m *memIdem) Complete(_ context.Context, scope tenant.Scope, action, key string, response []byte) error {
	m.store[m.key(scope, action, key)] = response
	return nil
}

func (m *memIdem) Release(_ context.Context, scope tenant.Scope, action, key string) error {
	k := m.key(scope, action, key)
	if m.store[k] == nil {
		delete(m.store, k)
	}
	return nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	repo    *memRepo
	sink    *memSink
	idem    *memIdem
	service *Service
	scope   tenant.Scope
	date    time.Time
	cash    uuid.UUID
	revenue uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemRepo()
	sink := &memSink{}
	idem := newMemIdem()
	scope := tenant.Scope{CompanyID: uuid.New(), ActorID: uuid.New()}
	date := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	repo.periods = []periods.Period{{
		ID:        uuid.New(),
		CompanyID: scope.CompanyID,
		Name:      "2026-03",
		StartDate: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC),
		Status:    periods.PeriodStatusOpen,
	}}
	cash := uuid.New()
	revenue := uuid.New()
	repo.accounts[cash] = AccountState{CompanyID: scope.CompanyID, Active: true}
	repo.accounts[revenue] = AccountState{CompanyID: scope.CompanyID, Active: true}

	service := NewService(repo, sink, idem, "USD")
	service.WithNow(func() time.Time { return date.Add(9 * time.Hour) })
	return &fixture{
		repo: repo, sink: sink, idem: idem, service: service,
		scope: scope, date: date, cash: cash, revenue: revenue,
	}
}

func (f *fixture) balancedInput() PostingInput {
	return PostingInput{
		Reference: "JE-100",
		Date:      f.date,
		Source:    SourceRef{Kind: SourceManual},
		Lines: []LineInput{
			{AccountID: f.cash, Debit: d("100.00")},
			{AccountID: f.revenue, Credit: d("100.00")},
		},
	}
}

func TestPostBalancedEntry(t *testing.T) {
	f := newFixture(t)

	entry, err := f.service.Post(context.Background(), f.scope, f.balancedInput())
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, entry.Status)
	require.True(t, entry.TotalDebit.Equal(d("100.00")))
	require.True(t, entry.TotalCredit.Equal(d("100.00")))
	require.NotNil(t, entry.PostedAt)
	require.Len(t, entry.Lines, 2)

	stored, err := f.repo.Get(context.Background(), f.scope.CompanyID, entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, stored.Status)

	require.Len(t, f.sink.events, 1)
	require.Equal(t, "journal.posted", f.sink.events[0].Type)
}

func TestPostUnbalancedEntryRejected(t *testing.T) {
	f := newFixture(t)
	input := f.balancedInput()
	input.Lines[1].Credit = d("90.00")

	_, err := f.service.Post(context.Background(), f.scope, input)
	var unbalanced *shared.UnbalancedError
	require.ErrorAs(t, err, &unbalanced)
	require.True(t, unbalanced.Debit.Equal(d("100.00")))
	require.True(t, unbalanced.Credit.Equal(d("90.00")))
	require.Empty(t, f.repo.entries)
	require.Empty(t, f.sink.events)
}

func TestPostRequiresTwoLines(t *testing.T) {
	f := newFixture(t)
	input := f.balancedInput()
	input.Lines = input.Lines[:1]

	_, err := f.service.Post(context.Background(), f.scope, input)
	require.ErrorIs(t, err, shared.ErrInvalidEntry)
}

func TestPostRejectsLineWithBothSides(t *testing.T) {
	f := newFixture(t)
	input := f.balancedInput()
	input.Lines[0].Credit = d("1.00")

	_, err := f.service.Post(context.Background(), f.scope, input)
	require.ErrorIs(t, err, shared.ErrInvalidEntry)
}

func TestPostIntoClosedPeriod(t *testing.T) {
	f := newFixture(t)
	f.repo.periods[0].Status = periods.PeriodStatusClosed

	_, err := f.service.Post(context.Background(), f.scope, f.balancedInput())
	require.ErrorIs(t, err, shared.ErrPeriodClosed)
	require.Empty(t, f.repo.entries)
}

func TestPostIntoReopenedPeriod(t *testing.T) {
	f := newFixture(t)
	f.repo.periods[0].Status = periods.PeriodStatusReopened

	_, err := f.service.Post(context.Background(), f.scope, f.balancedInput())
	require.NoError(t, err)
}

func TestPostNoPeriodForDate(t *testing.T) {
	f := newFixture(t)
	input := f.balancedInput()
	input.Date = time.Date(2027, time.June, 1, 0, 0, 0, 0, time.UTC)

	_, err := f.service.Post(context.Background(), f.scope, input)
	require.ErrorIs(t, err, shared.ErrNoPeriodForDate)
}

func TestPostInactiveAccount(t *testing.T) {
	f := newFixture(t)
	f.repo.accounts[f.revenue] = AccountState{CompanyID: f.scope.CompanyID, Active: false}

	_, err := f.service.Post(context.Background(), f.scope, f.balancedInput())
	require.ErrorIs(t, err, shared.ErrAccountInactive)
	require.Empty(t, f.repo.entries)
}

func TestPostCrossTenantAccount(t *testing.T) {
	f := newFixture(t)
	f.repo.accounts[f.revenue] = AccountState{CompanyID: uuid.New(), Active: true}

	_, err := f.service.Post(context.Background(), f.scope, f.balancedInput())
	require.ErrorIs(t, err, shared.ErrCrossTenant)
}

func TestPostUnknownAccount(t *testing.T) {
	f := newFixture(t)
	delete(f.repo.accounts, f.revenue)

	_, err := f.service.Post(context.Background(), f.scope, f.balancedInput())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestPostIdempotentRetry(t *testing.T) {
	f := newFixture(t)
	input := f.balancedInput()
	input.IdempotencyKey = "retry-key-1"

	first, err := f.service.Post(context.Background(), f.scope, input)
	require.NoError(t, err)

	second, err := f.service.Post(context.Background(), f.scope, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, f.repo.entries, 1)
}

func TestPostDuplicateWhileInFlight(t *testing.T) {
	f := newFixture(t)
	input := f.balancedInput()
	input.IdempotencyKey = "inflight-key-1"

	// A reservation without a response means the first attempt has not
	// committed yet; the duplicate must not execute.
	_, _, err := f.idem.Reserve(context.Background(), f.scope, actionPostEntry, input.IdempotencyKey, nil)
	require.NoError(t, err)

	_, err = f.service.Post(context.Background(), f.scope, input)
	require.ErrorIs(t, err, shared.ErrRequestInFlight)
	require.Empty(t, f.repo.entries)
}

func TestPostFailureReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	input := f.balancedInput()
	input.IdempotencyKey = "release-key-1"

	f.repo.periods[0].Status = periods.PeriodStatusClosed
	_, err := f.service.Post(context.Background(), f.scope, input)
	require.ErrorIs(t, err, shared.ErrPeriodClosed)

	// The failed attempt must not pin the key; a retry goes through once the
	// period accepts postings again.
	f.repo.periods[0].Status = periods.PeriodStatusOpen
	entry, err := f.service.Post(context.Background(), f.scope, input)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, entry.Status)
}

func TestPostRecordsPostingMetrics(t *testing.T) {
	f := newFixture(t)
	metrics := observability.NewMetrics()
	f.service.WithMetrics(metrics)

	_, err := f.service.Post(context.Background(), f.scope, f.balancedInput())
	require.NoError(t, err)

	f.repo.periods[0].Status = periods.PeriodStatusClosed
	_, err = f.service.Post(context.Background(), f.scope, f.balancedInput())
	require.ErrorIs(t, err, shared.ErrPeriodClosed)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	require.Contains(t, body, `quill_journal_postings_total{outcome="posted"} 1`)
	require.Contains(t, body, `quill_journal_postings_total{outcome="rejected"} 1`)
}

func TestVoidCreatesMirroredReversal(t *testing.T) {
	f := newFixture(t)
	entry, err := f.service.Post(context.Background(), f.scope, f.balancedInput())
	require.NoError(t, err)

	reversal, err := f.service.Void(context.Background(), f.scope, VoidInput{
		EntryID: entry.ID,
		Reason:  "duplicate booking",
	})
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, reversal.Status)
	require.Equal(t, SourceReversal, reversal.Source.Kind)
	require.Equal(t, entry.ID, reversal.Source.ID)
	require.Len(t, reversal.Lines, 2)
	// Debits and credits swap, amounts stay.
	require.True(t, reversal.Lines[0].Credit.Equal(entry.Lines[0].Debit))
	require.True(t, reversal.Lines[1].Debit.Equal(entry.Lines[1].Credit))

	original, err := f.repo.Get(context.Background(), f.scope.CompanyID, entry.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusVoid, original.Status)
	require.Equal(t, "duplicate booking", original.VoidReason)
}

func TestVoidDraftRejected(t *testing.T) {
	f := newFixture(t)
	draft, err := f.service.CreateDraft(context.Background(), f.scope, f.balancedInput())
	require.NoError(t, err)

	_, err = f.service.Void(context.Background(), f.scope, VoidInput{EntryID: draft.ID, Reason: "nope"})
	require.ErrorIs(t, err, shared.ErrInvalidStatus)
}

func TestDraftLifecycle(t *testing.T) {
	f := newFixture(t)
	input := f.balancedInput()
	input.Lines[1].Credit = d("90.00") // drafts may be unbalanced

	draft, err := f.service.CreateDraft(context.Background(), f.scope, input)
	require.NoError(t, err)
	require.Equal(t, EntryStatusDraft, draft.Status)

	// Posting the unbalanced draft fails with the full rules.
	_, err = f.service.PostDraft(context.Background(), f.scope, draft.ID)
	var unbalanced *shared.UnbalancedError
	require.ErrorAs(t, err, &unbalanced)

	// Fix the draft, then post.
	fixed := f.balancedInput()
	_, err = f.service.UpdateDraft(context.Background(), f.scope, draft.ID, fixed)
	require.NoError(t, err)

	posted, err := f.service.PostDraft(context.Background(), f.scope, draft.ID)
	require.NoError(t, err)
	require.Equal(t, EntryStatusPosted, posted.Status)

	// Posted entries are no longer editable.
	_, err = f.service.UpdateDraft(context.Background(), f.scope, draft.ID, fixed)
	require.ErrorIs(t, err, shared.ErrInvalidStatus)
}

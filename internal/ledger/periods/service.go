package periods

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

// CreateFiscalYearInput describes a fiscal year to generate.
type CreateFiscalYearInput struct {
	Year      int
	StartDate time.Time
}

// Service owns fiscal year generation and period lookups. Status transitions
// belong to the close controller, not to this registry.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateFiscalYear inserts a fiscal year and generates twelve monthly periods.
// Periods starting on or before today open immediately; later ones stay FUTURE.
func (s *Service) CreateFiscalYear(ctx context.Context, scope tenant.Scope, in CreateFiscalYearInput) (FiscalYear, []Period, error) {
	if err := scope.Validate(); err != nil {
		return FiscalYear{}, nil, err
	}
	if in.Year < 1900 || in.Year > 9999 {
		return FiscalYear{}, nil, fmt.Errorf("periods: invalid year %d", in.Year)
	}
	start := in.StartDate
	if start.IsZero() {
		start = time.Date(in.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	end := start.AddDate(1, 0, -1)

	conflict, err := s.repo.RangeConflict(ctx, scope.CompanyID, start, end)
	if err != nil {
		return FiscalYear{}, nil, err
	}
	if conflict {
		return FiscalYear{}, nil, shared.ErrPeriodOverlap
	}

	fy := FiscalYear{
		ID:        uuid.New(),
		CompanyID: scope.CompanyID,
		Year:      in.Year,
		StartDate: start,
		EndDate:   end,
	}
	today := s.now().Truncate(24 * time.Hour)
	generated := make([]Period, 0, 12)
	for i := 0; i < 12; i++ {
		pStart := start.AddDate(0, i, 0)
		pEnd := start.AddDate(0, i+1, -1)
		status := PeriodStatusFuture
		if !pStart.After(today) {
			status = PeriodStatusOpen
		}
		generated = append(generated, Period{
			ID:           uuid.New(),
			CompanyID:    scope.CompanyID,
			FiscalYearID: fy.ID,
			Name:         pStart.Format("2006-01"),
			StartDate:    pStart,
			EndDate:      pEnd,
			Status:       status,
		})
	}
	if err := s.repo.InsertFiscalYear(ctx, fy, generated); err != nil {
		return FiscalYear{}, nil, err
	}
	return fy, generated, nil
}

// PeriodForDate resolves the period covering date, inclusive on both ends.
func (s *Service) PeriodForDate(ctx context.Context, scope tenant.Scope, date time.Time) (Period, error) {
	if err := scope.Validate(); err != nil {
		return Period{}, err
	}
	return s.repo.PeriodForDate(ctx, scope.CompanyID, date)
}

// Get loads one period within the company scope.
func (s *Service) Get(ctx context.Context, scope tenant.Scope, periodID uuid.UUID) (Period, error) {
	period, err := s.repo.Get(ctx, scope.CompanyID, periodID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Period{}, fmt.Errorf("%w: period %s", shared.ErrNotFound, periodID)
		}
		return Period{}, err
	}
	return period, nil
}

// List returns all periods for the company ordered by start date.
func (s *Service) List(ctx context.Context, scope tenant.Scope) ([]Period, error) {
	return s.repo.List(ctx, scope.CompanyID)
}

// ActivateDue flips FUTURE periods whose start date has arrived to OPEN.
// Driven by the scheduler, all companies at once.
func (s *Service) ActivateDue(ctx context.Context) (int64, error) {
	return s.repo.ActivateDue(ctx, s.now())
}

package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillbooks/quillbooks/internal/audit"
	"github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

// CreateInput groups fields for a new account.
type CreateInput struct {
	Code          string
	Name          string
	Type          AccountType
	NormalBalance NormalBalance
	ParentID      *uuid.UUID
	System        bool
	Metadata      map[string]any
}

// Validate checks structural rules before any write.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Code) == "" {
		return errors.New("accounts: code required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("accounts: name required")
	}
	if !ValidType(in.Type) {
		return fmt.Errorf("accounts: unknown type %q", in.Type)
	}
	switch in.NormalBalance {
	case "", NormalBalanceDebit, NormalBalanceCredit:
	default:
		return fmt.Errorf("accounts: unknown normal balance %q", in.NormalBalance)
	}
	return nil
}

// UpdateInput carries mutable account fields. Only name and metadata change
// after creation; code and type are fixed.
type UpdateInput struct {
	AccountID uuid.UUID
	Name      string
	Metadata  map[string]any
}

// Service enforces chart-of-accounts invariants.
type Service struct {
	repo Repository
	sink audit.Sink
	now  func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, sink audit.Sink) *Service {
	return &Service{repo: repo, sink: sink, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create inserts a new account. Duplicate codes per company are rejected.
func (s *Service) Create(ctx context.Context, scope tenant.Scope, in CreateInput) (Account, error) {
	if err := scope.Validate(); err != nil {
		return Account{}, err
	}
	if err := in.Validate(); err != nil {
		return Account{}, err
	}
	if in.ParentID != nil {
		if _, err := s.repo.Get(ctx, scope.CompanyID, *in.ParentID); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return Account{}, fmt.Errorf("%w: parent account", shared.ErrCrossTenant)
			}
			return Account{}, err
		}
	}
	normal := in.NormalBalance
	if normal == "" {
		normal = DefaultNormalBalance(in.Type)
	}
	account, err := s.repo.Insert(ctx, Account{
		ID:            uuid.New(),
		CompanyID:     scope.CompanyID,
		Code:          strings.TrimSpace(in.Code),
		Name:          strings.TrimSpace(in.Name),
		Type:          in.Type,
		NormalBalance: normal,
		ParentID:      in.ParentID,
		Active:        true,
		System:        in.System,
		Metadata:      in.Metadata,
	})
	if err != nil {
		return Account{}, err
	}
	s.emit(ctx, scope, "account.created", map[string]any{
		"account_id": account.ID.String(),
		"code":       account.Code,
		"type":       string(account.Type),
	})
	return account, nil
}

// Update mutates name and metadata only.
func (s *Service) Update(ctx context.Context, scope tenant.Scope, in UpdateInput) (Account, error) {
	if err := scope.Validate(); err != nil {
		return Account{}, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return Account{}, errors.New("accounts: name required")
	}
	account, err := s.repo.Get(ctx, scope.CompanyID, in.AccountID)
	if err != nil {
		return Account{}, err
	}
	account.Name = strings.TrimSpace(in.Name)
	account.Metadata = in.Metadata
	if err := s.repo.Update(ctx, account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// Deactivate soft-disables an account. System accounts and accounts already
// referenced by posted lines stay active; history is never orphaned.
func (s *Service) Deactivate(ctx context.Context, scope tenant.Scope, accountID uuid.UUID) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	account, err := s.repo.Get(ctx, scope.CompanyID, accountID)
	if err != nil {
		return err
	}
	if account.System {
		return fmt.Errorf("%w: system account %s", shared.ErrAccountInUse, account.Code)
	}
	referenced, err := s.repo.ReferencedByPostedLines(ctx, accountID)
	if err != nil {
		return err
	}
	if referenced {
		return fmt.Errorf("%w: %s", shared.ErrAccountInUse, account.Code)
	}
	if err := s.repo.SetActive(ctx, scope.CompanyID, accountID, false); err != nil {
		return err
	}
	s.emit(ctx, scope, "account.deactivated", map[string]any{"account_id": accountID.String()})
	return nil
}

// Reactivate re-enables a deactivated account.
func (s *Service) Reactivate(ctx context.Context, scope tenant.Scope, accountID uuid.UUID) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, scope.CompanyID, accountID); err != nil {
		return err
	}
	return s.repo.SetActive(ctx, scope.CompanyID, accountID, true)
}

// Get loads one account within the company scope.
func (s *Service) Get(ctx context.Context, scope tenant.Scope, accountID uuid.UUID) (Account, error) {
	return s.repo.Get(ctx, scope.CompanyID, accountID)
}

// List returns the company's accounts ordered by code.
func (s *Service) List(ctx context.Context, scope tenant.Scope, activeOnly bool) ([]Account, error) {
	return s.repo.List(ctx, scope.CompanyID, activeOnly)
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

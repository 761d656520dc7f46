package tenant

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnknownTenant indicates the company or actor does not exist.
var ErrUnknownTenant = fmt.Errorf("tenant: unknown company or actor")

// Guard verifies that a scope references an existing company and actor.
type Guard struct {
	pool *pgxpool.Pool
}

// NewGuard constructs a Guard backed by postgres.
func NewGuard(pool *pgxpool.Pool) *Guard {
	return &Guard{pool: pool}
}

// Verify checks both sides of the scope against the companies and users tables.
func (g *Guard) Verify(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	var companyOK, actorOK bool
	err := g.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM companies WHERE id=$1),
		        EXISTS(SELECT 1 FROM users WHERE id=$2)`,
		scope.CompanyID, scope.ActorID).Scan(&companyOK, &actorOK)
	if err != nil {
		return fmt.Errorf("tenant: verify scope: %w", err)
	}
	if !companyOK || !actorOK {
		return ErrUnknownTenant
	}
	return nil
}

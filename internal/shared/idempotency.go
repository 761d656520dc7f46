// Package shared holds cross-cutting stores used by the ledger engines.
package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	ledger "github.com/quillbooks/quillbooks/internal/ledger/shared"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

// IdempotencyStore records request/response pairs keyed by
// (actor_id, company_id, action, key). The key row is reserved before the
// operation runs, so two concurrent requests with the same key cannot both
// execute: the loser of the insert race either replays the stored response
// or is told the first attempt is still in flight.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Reserve claims the key ahead of execution. When the key is already taken
// it returns the stored response for replay; a reservation whose response
// has not landed yet yields ErrRequestInFlight.
func (s *IdempotencyStore) Reserve(ctx context.Context, scope tenant.Scope, action, key string, request []byte) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("idempotency store not initialised")
	}
	if action == "" || key == "" {
		return nil, false, errors.New("idempotency action and key required")
	}
	cmd, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (actor_id, company_id, action, key, request, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (actor_id, company_id, action, key) DO NOTHING`,
		scope.ActorID, scope.CompanyID, action, key, request, time.Now())
	if err != nil {
		return nil, false, err
	}
	if cmd.RowsAffected() == 1 {
		return nil, false, nil
	}

	var response []byte
	err = s.pool.QueryRow(ctx,
		`SELECT response FROM idempotency_keys
		 WHERE actor_id=$1 AND company_id=$2 AND action=$3 AND key=$4`,
		scope.ActorID, scope.CompanyID, action, key).Scan(&response)
	if err != nil {
		// Row released between the insert and the read; the first attempt
		// failed, the caller should retry.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ledger.ErrRequestInFlight
		}
		return nil, false, err
	}
	if response == nil {
		return nil, false, ledger.ErrRequestInFlight
	}
	return response, true, nil
}

// Complete stores the response on the reserved key for future replays.
func (s *IdempotencyStore) Complete(ctx context.Context, scope tenant.Scope, action, key string, response []byte) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys SET response=$5
		 WHERE actor_id=$1 AND company_id=$2 AND action=$3 AND key=$4`,
		scope.ActorID, scope.CompanyID, action, key, response)
	return err
}

// Release frees a reservation after a failed attempt so a retry can run.
// Completed keys are never released.
func (s *IdempotencyStore) Release(ctx context.Context, scope tenant.Scope, action, key string) error {
	if s == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE actor_id=$1 AND company_id=$2 AND action=$3 AND key=$4 AND response IS NULL`,
		scope.ActorID, scope.CompanyID, action, key)
	return err
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	return err
}

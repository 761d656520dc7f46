// Package tenant carries the company/actor scope every core call runs under.
package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Scope identifies the tenant boundary for a single operation.
type Scope struct {
	CompanyID uuid.UUID
	ActorID   uuid.UUID
}

// Validate ensures both identifiers are present.
func (s Scope) Validate() error {
	if s.CompanyID == uuid.Nil {
		return errors.New("tenant: company id required")
	}
	if s.ActorID == uuid.Nil {
		return errors.New("tenant: actor id required")
	}
	return nil
}

type scopeContextKey struct{}

// WithScope stores the scope in context.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// FromContext extracts the scope from context.
func FromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	return scope, ok
}

package tenant

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Verifier checks that a scope references existing tenant records.
type Verifier interface {
	Verify(ctx context.Context, scope Scope) error
}

// Middleware resolves the tenant scope from request headers. Authentication
// itself lives upstream; this layer only validates the forwarded identity.
func Middleware(verifier Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			companyID, err := uuid.Parse(r.Header.Get("X-Company-ID"))
			if err != nil {
				http.Error(w, "missing or invalid X-Company-ID", http.StatusBadRequest)
				return
			}
			actorID, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
			if err != nil {
				http.Error(w, "missing or invalid X-Actor-ID", http.StatusBadRequest)
				return
			}
			scope := Scope{CompanyID: companyID, ActorID: actorID}
			if verifier != nil {
				if err := verifier.Verify(r.Context(), scope); err != nil {
					logger.Warn("tenant scope rejected", slog.Any("error", err))
					http.Error(w, "unknown company or actor", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithScope(r.Context(), scope)))
		})
	}
}

package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/quillbooks/quillbooks/internal/allocation"
	"github.com/quillbooks/quillbooks/internal/close"
	"github.com/quillbooks/quillbooks/internal/ledger/accounts"
	"github.com/quillbooks/quillbooks/internal/ledger/journals"
	"github.com/quillbooks/quillbooks/internal/ledger/periods"
	"github.com/quillbooks/quillbooks/internal/observability"
	"github.com/quillbooks/quillbooks/internal/tenant"
	"github.com/quillbooks/quillbooks/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	TenantVerifier    tenant.Verifier
	AccountsHandler   *accounts.Handler
	PeriodsHandler    *periods.Handler
	CloseHandler      *close.Handler
	JournalsHandler   *journals.Handler
	AllocationHandler *allocation.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router. Every ledger route sits behind the
// tenant middleware; health and metrics stay unauthenticated.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(tenant.Middleware(params.TenantVerifier, params.Logger))

		if params.AccountsHandler != nil {
			r.Route("/ledger/accounts", params.AccountsHandler.MountRoutes)
		}
		r.Route("/ledger/periods", func(r chi.Router) {
			if params.PeriodsHandler != nil {
				params.PeriodsHandler.MountRoutes(r)
			}
			if params.CloseHandler != nil {
				params.CloseHandler.MountRoutes(r)
			}
		})
		if params.JournalsHandler != nil {
			r.Route("/ledger/journals", params.JournalsHandler.MountRoutes)
		}
		if params.AllocationHandler != nil {
			r.Route("/payments", params.AllocationHandler.MountRoutes)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}

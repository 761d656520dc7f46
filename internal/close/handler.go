package close

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/quillbooks/quillbooks/internal/platform/httpx"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

// Handler exposes period close operations over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches close routes under the periods resource.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}/transitions", h.transitions)
	r.Post("/{id}/close", h.requestClose)
	r.Post("/{id}/finalize", h.finalizeClose)
	r.Post("/{id}/reopen", h.reopen)
}

func periodID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

// respondError handles the package's own typed error before delegating to
// the shared mapper.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var notReady *NotReadyError
	if errors.As(err, &notReady) {
		httpx.ProblemWith(w, http.StatusConflict, "Period Not Ready", notReady.Error(), map[string]any{
			"draft_entries":    notReady.DraftEntries,
			"open_documents":   notReady.OpenDocuments,
			"pending_payments": notReady.PendingPayments,
		})
		return
	}
	httpx.RespondError(w, err)
}

func (h *Handler) transitions(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, ok := periodID(w, r)
	if !ok {
		return
	}
	transitions, err := h.service.Transitions(r.Context(), scope, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

func (h *Handler) requestClose(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, ok := periodID(w, r)
	if !ok {
		return
	}
	period, err := h.service.RequestClose(r.Context(), scope, CloseInput{PeriodID: id})
	if err != nil {
		h.logger.Warn("request close", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) finalizeClose(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, ok := periodID(w, r)
	if !ok {
		return
	}
	period, err := h.service.FinalizeClose(r.Context(), scope, CloseInput{PeriodID: id})
	if err != nil {
		h.logger.Warn("finalize close", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) reopen(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, ok := periodID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason" validate:"required,max=512"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	period, err := h.service.Reopen(r.Context(), scope, ReopenInput{PeriodID: id, Reason: req.Reason})
	if err != nil {
		h.logger.Warn("reopen period", slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

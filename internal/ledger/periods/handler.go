package periods

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/quillbooks/quillbooks/internal/platform/httpx"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

// Handler exposes the period registry over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches period registry routes. Close transitions are mounted
// separately by the close handler.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Get("/for-date", h.forDate)
	r.Post("/fiscal-years", h.createFiscalYear)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	list, err := h.service.List(r.Context(), scope)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": list})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	period, err := h.service.Get(r.Context(), scope, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) forDate(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "date must be formatted YYYY-MM-DD")
		return
	}
	period, err := h.service.PeriodForDate(r.Context(), scope, date)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) createFiscalYear(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	var req struct {
		Year      int    `json:"year" validate:"required,min=1900,max=9999"`
		StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var start time.Time
	if req.StartDate != "" {
		start, _ = time.Parse("2006-01-02", req.StartDate)
	}
	year, periods, err := h.service.CreateFiscalYear(r.Context(), scope, CreateFiscalYearInput{
		Year:      req.Year,
		StartDate: start,
	})
	if err != nil {
		h.logger.Warn("create fiscal year", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"fiscal_year": year,
		"periods":     periods,
	})
}

package allocation

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quillbooks/quillbooks/internal/platform/httpx"
	"github.com/quillbooks/quillbooks/internal/tenant"
)

// Handler exposes the allocation engine over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches payment allocation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.getPayment)
	r.Get("/{id}/allocations", h.listAllocations)
	r.Get("/{id}/allocations/plan", h.previewPlan)
	r.Post("/{id}/allocations", h.allocate)
	r.Post("/allocations/{id}/reverse", h.reverse)
}

type allocationRequest struct {
	InvoiceID uuid.UUID       `json:"invoice_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

type allocateRequest struct {
	Kind           string              `json:"kind" validate:"omitempty,oneof=INVOICE BILL"`
	Method         string              `json:"method" validate:"omitempty,oneof=MANUAL FIFO PROPORTIONAL LARGEST_FIRST"`
	Date           string              `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Requests       []allocationRequest `json:"requests" validate:"dive"`
	IdempotencyKey string              `json:"idempotency_key" validate:"max=128"`
}

func (req allocateRequest) toInput(paymentID uuid.UUID) Input {
	var date time.Time
	if req.Date != "" {
		date, _ = time.Parse("2006-01-02", req.Date)
	}
	requests := make([]Request, 0, len(req.Requests))
	for _, r := range req.Requests {
		requests = append(requests, Request{InvoiceID: r.InvoiceID, Amount: r.Amount})
	}
	return Input{
		PaymentID:      paymentID,
		Kind:           DocKind(req.Kind),
		Requests:       requests,
		Method:         Method(req.Method),
		Date:           date,
		IdempotencyKey: req.IdempotencyKey,
	}
}

func paymentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), scope, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) listAllocations(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	allocs, err := h.service.ListAllocations(r.Context(), scope, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"allocations": allocs})
}

func (h *Handler) previewPlan(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	plan, err := h.service.PreviewPlan(r.Context(), scope, id,
		DocKind(r.URL.Query().Get("kind")), Method(r.URL.Query().Get("method")))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"plan": plan})
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Allocate(r.Context(), scope, req.toInput(id))
	if err != nil {
		h.logger.Warn("allocate payment", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	id, ok := paymentID(w, r)
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
	result, err := h.service.Reverse(r.Context(), scope, ReverseInput{AllocationID: id, Reason: req.Reason})
	if err != nil {
		h.logger.Warn("reverse allocation", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

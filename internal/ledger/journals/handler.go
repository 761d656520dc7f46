package journals

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

// Handler exposes the posting engine over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

type lineRequest struct {
	AccountID   uuid.UUID       `json:"account_id" validate:"required"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Description string          `json:"description"`
}

type postingRequest struct {
	Reference      string        `json:"reference" validate:"required,max=64"`
	Date           string        `json:"date" validate:"required,datetime=2006-01-02"`
	Description    string        `json:"description" validate:"max=1024"`
	SourceKind     string        `json:"source_kind"`
	SourceID       uuid.UUID     `json:"source_id"`
	Lines          []lineRequest `json:"lines" validate:"required,dive"`
	IdempotencyKey string        `json:"idempotency_key" validate:"max=128"`
}

func (req postingRequest) toInput() PostingInput {
	date, _ := time.Parse("2006-01-02", req.Date)
	kind := SourceKind(req.SourceKind)
	if kind == "" {
		kind = SourceManual
	}
	lines := make([]LineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, LineInput{
			AccountID:   l.AccountID,
			Debit:       l.Debit,
			Credit:      l.Credit,
			Description: l.Description,
		})
	}
	return PostingInput{
		Reference:      req.Reference,
		Date:           date,
		Description:    req.Description,
		Source:         SourceRef{Kind: kind, ID: req.SourceID},
		Lines:          lines,
		IdempotencyKey: req.IdempotencyKey,
	}
}

func (h *Handler) decodePosting(w http.ResponseWriter, r *http.Request) (postingRequest, bool) {
	var req postingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return req, false
	}
	return req, true
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	entries, err := h.service.List(r.Context(), scope, EntryStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.logger.Error("list journals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	entryID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	entry, err := h.service.Get(r.Context(), scope, entryID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	req, ok := h.decodePosting(w, r)
	if !ok {
		return
	}
	entry, err := h.service.Post(r.Context(), scope, req.toInput())
	if err != nil {
		h.logger.Warn("post journal", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) createDraft(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	req, ok := h.decodePosting(w, r)
	if !ok {
		return
	}
	entry, err := h.service.CreateDraft(r.Context(), scope, req.toInput())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) updateDraft(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	entryID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	req, ok := h.decodePosting(w, r)
	if !ok {
		return
	}
	entry, err := h.service.UpdateDraft(r.Context(), scope, entryID, req.toInput())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) postDraft(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	entryID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	entry, err := h.service.PostDraft(r.Context(), scope, entryID)
	if err != nil {
		h.logger.Warn("post draft", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) void(w http.ResponseWriter, r *http.Request) {
	scope, _ := tenant.FromContext(r.Context())
	entryID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
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
	reversal, err := h.service.Void(r.Context(), scope, VoidInput{EntryID: entryID, Reason: req.Reason})
	if err != nil {
		h.logger.Warn("void journal", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, reversal)
}

package queue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hypeloop/postflow/internal/domain"
	"github.com/hypeloop/postflow/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
	{Error: ErrNotCancellable, Status: http.StatusConflict, Message: "item can no longer be cancelled"},
	{Error: ErrInvalidPriority, Status: http.StatusBadRequest},
	{Error: ErrInvalidSchedule, Status: http.StatusBadRequest},
	{Error: ErrInvalidPlatform, Status: http.StatusBadRequest},
	{Error: ErrInvalidContentType, Status: http.StatusBadRequest},
	{Error: ErrEmptyPayload, Status: http.StatusBadRequest},
	{Error: ErrBatchTooLarge, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for the queue module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers queue routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/posts", func(r chi.Router) {
		r.Post("/", h.Enqueue)
		r.Post("/bulk", h.EnqueueBulk)
		r.Get("/", h.ListRecent)
		r.Get("/{id}", h.GetItem)
		r.Delete("/{id}", h.Cancel)
	})

	r.Get("/stats", h.GetStats)
}

// EnqueueRequest represents the request body for scheduling one post.
type EnqueueRequest struct {
	TargetAccountID string          `json:"target_account_id" validate:"required"`
	Platform        string          `json:"platform" validate:"required"`
	ContentType     string          `json:"content_type" validate:"required,oneof=post comment reply dm"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
	ScheduledFor    *time.Time      `json:"scheduled_for"`
	Priority        int             `json:"priority" validate:"omitempty,min=1,max=10"`
	MaxAttempts     int             `json:"max_attempts" validate:"omitempty,min=1,max=10"`
}

// BulkEnqueueRequest represents the request body for a campaign batch.
type BulkEnqueueRequest struct {
	Items []EnqueueRequest `json:"items" validate:"required,min=1,dive"`
}

func (r EnqueueRequest) toInput() EnqueueInput {
	return EnqueueInput{
		TargetAccountID: r.TargetAccountID,
		Platform:        domain.Platform(r.Platform),
		ContentType:     domain.ContentType(r.ContentType),
		Payload:         r.Payload,
		ScheduledFor:    r.ScheduledFor,
		Priority:        r.Priority,
		MaxAttempts:     r.MaxAttempts,
	}
}

// Enqueue handles POST /posts.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ownerID := httputil.GetOwnerID(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	item, err := h.service.Enqueue(r.Context(), ownerID, req.toInput())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, item)
}

// EnqueueBulk handles POST /posts/bulk.
func (h *Handler) EnqueueBulk(w http.ResponseWriter, r *http.Request) {
	ownerID := httputil.GetOwnerID(r.Context())

	var req BulkEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	inputs := make([]EnqueueInput, len(req.Items))
	for i, item := range req.Items {
		inputs[i] = item.toInput()
	}

	items, err := h.service.EnqueueBatch(r.Context(), ownerID, inputs)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, items)
}

// ListRecent handles GET /posts.
func (h *Handler) ListRecent(w http.ResponseWriter, r *http.Request) {
	ownerID := httputil.GetOwnerID(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	items, err := h.service.ListRecent(r.Context(), ownerID, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// GetItem handles GET /posts/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	ownerID := httputil.GetOwnerID(r.Context())
	id := chi.URLParam(r, "id")

	item, err := h.service.GetItem(r.Context(), ownerID, id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// Cancel handles DELETE /posts/{id}.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ownerID := httputil.GetOwnerID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.service.Cancel(r.Context(), ownerID, id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusNoContent, nil)
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ownerID := httputil.GetOwnerID(r.Context())

	stats, err := h.service.Stats(r.Context(), ownerID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

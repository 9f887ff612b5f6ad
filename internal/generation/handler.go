package generation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nanobanana/backend/internal/ledger"
)

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type createRequest struct {
	UserID          int64           `json:"user_id"`
	Prompt          string          `json:"prompt"`
	ReferenceImages []string        `json:"reference_images,omitempty"`
	Settings        json.RawMessage `json:"settings,omitempty"`
}

// Create handles POST /api/v1/generations.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == 0 {
		http.Error(w, `{"error":"user_id required"}`, http.StatusBadRequest)
		return
	}
	gen, err := h.svc.CreateJob(r.Context(), req.UserID, req.Prompt, req.ReferenceImages, req.Settings)
	if err != nil {
		h.writeCreateError(w, req.UserID, err)
		return
	}
	writeJSON(w, http.StatusCreated, gen)
}

func (h *Handler) writeCreateError(w http.ResponseWriter, userID int64, err error) {
	switch {
	case errors.Is(err, ErrEmptyPrompt):
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		http.Error(w, `{"error":"insufficient credits"}`, http.StatusPaymentRequired)
	case errors.Is(err, ErrTooManyActive):
		http.Error(w, `{"error":"an active generation is already in progress"}`, http.StatusTooManyRequests)
	case errors.Is(err, ErrRateLimited):
		http.Error(w, `{"error":"hourly generation limit reached"}`, http.StatusTooManyRequests)
	case errors.Is(err, ErrQueueFull):
		http.Error(w, `{"error":"queue is full, try again later"}`, http.StatusTooManyRequests)
	default:
		h.log.Error("create generation failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"generation failed"}`, http.StatusServiceUnavailable)
	}
}

// Get handles GET /api/v1/generations/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid generation id"}`, http.StatusBadRequest)
		return
	}
	gen, err := h.svc.GetGeneration(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, `{"error":"generation not found"}`, http.StatusNotFound)
			return
		}
		h.log.Error("get generation failed", "generation_id", id, "error", err)
		http.Error(w, `{"error":"storage unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

// List handles GET /api/v1/generations?user_id=N&limit=M.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		http.Error(w, `{"error":"user_id required"}`, http.StatusBadRequest)
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 100 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := h.svc.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list generations failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"storage unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if list == nil {
		list = []*Generation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

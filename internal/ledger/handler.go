package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// Handler serves read access to balances plus the admin credit adjustment.
// The caller is the trusted bot front-end, which passes the end-user id.
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

type balanceResponse struct {
	UserID    int64 `json:"user_id"`
	Available int   `json:"available"`
	Reserved  int   `json:"reserved"`
	Total     int   `json:"total"`
}

// GetBalance handles GET /api/v1/balance?user_id=N.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	b, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.log.Error("get balance failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"storage unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		UserID:    b.UserID,
		Available: b.Available,
		Reserved:  b.Reserved,
		Total:     b.Available + b.Reserved,
	})
}

// ListTransactions handles GET /api/v1/transactions?user_id=N&limit=M.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
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
	list, err := h.svc.History(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list transactions failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"storage unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if list == nil {
		list = []*Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

type adminAdjustRequest struct {
	UserID int64  `json:"user_id"`
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

// AdminAdjust handles POST /api/v1/admin/credits: a manual grant with a fresh
// reference id. Protected by the admin key middleware.
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	var req adminAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == 0 || req.Amount <= 0 {
		http.Error(w, `{"error":"user_id and positive amount required"}`, http.StatusBadRequest)
		return
	}
	ref := uuid.New()
	t, err := h.svc.Grant(r.Context(), req.UserID, req.Amount, ref)
	if err != nil {
		h.log.Error("admin adjust failed", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"adjustment failed"}`, http.StatusInternalServerError)
		return
	}
	h.log.Info("admin credit adjustment",
		"user_id", req.UserID, "amount", req.Amount, "reason", req.Reason, "reference_id", ref)
	writeJSON(w, http.StatusOK, t)
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	s := r.URL.Query().Get("user_id")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		http.Error(w, `{"error":"user_id required"}`, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

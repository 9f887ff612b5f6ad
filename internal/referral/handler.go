package referral

import (
	"encoding/json"
	"log/slog"
	"net/http"
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

type registerRequest struct {
	UserID       int64  `json:"user_id"`
	ReferrerCode string `json:"referrer_code,omitempty"`
}

type registerResponse struct {
	Credits      int       `json:"credits"`
	BonusType    BonusType `json:"bonus_type"`
	ReferralCode string    `json:"referral_code"`
}

// Register handles POST /api/v1/referrals: the bot reports a new user (with
// the referral code they arrived through, if any) and gets back the granted
// bonus plus the user's own shareable code.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == 0 {
		http.Error(w, `{"error":"user_id required"}`, http.StatusBadRequest)
		return
	}
	credits, bonusType, err := h.svc.Register(r.Context(), req.UserID, req.ReferrerCode)
	if err != nil {
		h.log.Error("referral registration failed", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"registration failed"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(registerResponse{
		Credits:      credits,
		BonusType:    bonusType,
		ReferralCode: Code(req.UserID),
	})
}

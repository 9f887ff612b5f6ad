package payments

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Webhook-Signature"

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

type initiateTopupRequest struct {
	UserID    int64 `json:"user_id"`
	RubAmount int   `json:"rub_amount"`
}

type initiateTopupResponse struct {
	TopupID         string `json:"topup_id"`
	Credits         int    `json:"credits"`
	ConfirmationURL string `json:"confirmation_url"`
}

// InitiateTopup handles POST /api/v1/topups from the bot front-end.
func (h *Handler) InitiateTopup(w http.ResponseWriter, r *http.Request) {
	var req initiateTopupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == 0 || req.RubAmount <= 0 {
		http.Error(w, `{"error":"user_id and rub_amount required"}`, http.StatusBadRequest)
		return
	}
	topup, url, err := h.svc.InitiateTopup(r.Context(), req.UserID, req.RubAmount)
	if err != nil {
		if errors.Is(err, ErrUnknownPackage) {
			http.Error(w, `{"error":"unsupported topup amount"}`, http.StatusBadRequest)
			return
		}
		h.log.Error("initiate topup failed", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"topup failed"}`, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(initiateTopupResponse{
		TopupID:         topup.ID.String(),
		Credits:         topup.Credits,
		ConfirmationURL: url,
	})
}

// Webhook handles POST /webhook/payments from the payment provider.
// Processed and duplicate deliveries both answer 200 so the provider stops
// retrying; only an invalid signature is rejected outright.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"read body"}`, http.StatusBadRequest)
		return
	}
	err = h.svc.ReconcilePayment(r.Context(), raw, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case errors.Is(err, ErrAuthenticationFailed):
		h.log.Warn("webhook rejected: bad signature", "remote", r.RemoteAddr)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
	default:
		// Storage failures are retryable; the reconcile is idempotent.
		h.log.Error("webhook processing failed", "error", err)
		http.Error(w, `{"error":"processing failed"}`, http.StatusServiceUnavailable)
	}
}

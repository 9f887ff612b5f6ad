package router

import (
	"net/http"

	"github.com/nanobanana/backend/internal/auth"
	"github.com/nanobanana/backend/internal/generation"
	"github.com/nanobanana/backend/internal/ledger"
	"github.com/nanobanana/backend/internal/middleware"
	"github.com/nanobanana/backend/internal/payments"
	"github.com/nanobanana/backend/internal/referral"
)

// New returns the API handler. Routes under /api/v1 require a service token;
// the admin route additionally requires the admin key; the payment webhook
// and health check are open (the webhook authenticates via HMAC signature).
func New(
	ledgerHandler *ledger.Handler,
	paymentsHandler *payments.Handler,
	generationHandler *generation.Handler,
	referralHandler *referral.Handler,
	authSvc auth.Service,
	adminKeyHash string,
) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/balance", ledgerHandler.GetBalance)
	api.HandleFunc("GET /api/v1/transactions", ledgerHandler.ListTransactions)
	api.HandleFunc("POST /api/v1/generations", generationHandler.Create)
	api.HandleFunc("GET /api/v1/generations", generationHandler.List)
	api.HandleFunc("GET /api/v1/generations/{id}", generationHandler.Get)
	api.HandleFunc("POST /api/v1/topups", paymentsHandler.InitiateTopup)
	api.HandleFunc("POST /api/v1/referrals", referralHandler.Register)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /api/v1/admin/credits", ledgerHandler.AdminAdjust)

	root := http.NewServeMux()
	root.Handle("/api/v1/admin/", middleware.AdminAuth(adminKeyHash)(admin))
	root.Handle("/api/v1/", middleware.ServiceAuth(authSvc)(api))
	root.HandleFunc("POST /webhook/payments", paymentsHandler.Webhook)
	root.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return root
}

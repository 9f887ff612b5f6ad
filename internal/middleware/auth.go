package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/nanobanana/backend/internal/auth"
)

type contextKey string

const ctxServiceKey contextKey = "service"

// AdminKeyHeader carries the raw admin key for admin-only endpoints.
const AdminKeyHeader = "X-Admin-Key"

// ServiceAuth authenticates requests by validating the Bearer service token.
// On success the calling service's name is set into request context.
func ServiceAuth(authSvc auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			svc, err := authSvc.ValidateToken(raw)
			if err != nil {
				http.Error(w, `{"error":"invalid service token"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceFromCtx returns the authenticated service name, or "".
func ServiceFromCtx(ctx context.Context) string {
	svc, _ := ctx.Value(ctxServiceKey).(string)
	return svc
}

// AdminAuth gates admin endpoints behind a bcrypt-hashed admin key.
func AdminAuth(adminKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(AdminKeyHeader)
			if key == "" || adminKeyHash == "" {
				http.Error(w, `{"error":"admin key required"}`, http.StatusUnauthorized)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(adminKeyHash), []byte(key)); err != nil {
				http.Error(w, `{"error":"invalid admin key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

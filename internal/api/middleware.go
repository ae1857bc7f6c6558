package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/brunodmn/notazap/internal/db"
	"github.com/brunodmn/notazap/internal/pacing"
)

// RateLimitMiddleware enforces a per-caller ceiling on the API surface
// itself, keyed by keyFunc (company header or client IP). This is separate
// from dispatch pacing: it protects this process, not the gateway.
func RateLimitMiddleware(pacer pacing.Pacer, apiPolicy *db.RateLimitPolicy, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if pacer == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := pacer.Admit(r.Context(), "api:"+key, apiPolicy)
			if err != nil {
				logger.Warn("api rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CompanyKeyFunc extracts the company ID from the X-Company-ID header or
// query param.
func CompanyKeyFunc(r *http.Request) string {
	if id := r.Header.Get("X-Company-ID"); id != "" {
		return "company:" + id
	}
	if id := r.URL.Query().Get("company_id"); id != "" {
		return "company:" + id
	}
	return ""
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

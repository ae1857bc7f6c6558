package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/brunodmn/notazap/internal/db"
	"github.com/brunodmn/notazap/internal/pacing"
)

type stubPacer struct {
	decision pacing.Decision
	err      error
	lastKey  string
}

func (s *stubPacer) Admit(ctx context.Context, key string, pol *db.RateLimitPolicy) (pacing.Decision, error) {
	s.lastKey = key
	return s.decision, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func apiTestPolicy() *db.RateLimitPolicy {
	return &db.RateLimitPolicy{Scope: db.ScopeGlobal, MaxPerMinute: 300, Burst: 50}
}

func TestRateLimitMiddleware_AllowsAdmittedRequests(t *testing.T) {
	pacer := &stubPacer{decision: pacing.Decision{Allowed: true}}
	mw := RateLimitMiddleware(pacer, apiTestPolicy(), zap.NewNop(), CompanyKeyFunc)

	req := httptest.NewRequest(http.MethodGet, "/v1/dispatches", nil)
	req.Header.Set("X-Company-ID", "abc")
	w := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if pacer.lastKey != "api:company:abc" {
		t.Errorf("unexpected scope key %q", pacer.lastKey)
	}
}

func TestRateLimitMiddleware_DeniesWith429(t *testing.T) {
	pacer := &stubPacer{decision: pacing.Decision{Allowed: false, RetryAfter: 30 * time.Second}}
	mw := RateLimitMiddleware(pacer, apiTestPolicy(), zap.NewNop(), CompanyKeyFunc)

	req := httptest.NewRequest(http.MethodGet, "/v1/dispatches", nil)
	req.Header.Set("X-Company-ID", "abc")
	w := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("expected Retry-After 30, got %q", got)
	}
}

func TestRateLimitMiddleware_AnonymousRequestsPass(t *testing.T) {
	pacer := &stubPacer{decision: pacing.Decision{Allowed: false}}
	mw := RateLimitMiddleware(pacer, apiTestPolicy(), zap.NewNop(), CompanyKeyFunc)

	// No company header, no query param: keyFunc yields "" and the check
	// is skipped rather than collapsing all callers into one bucket.
	req := httptest.NewRequest(http.MethodGet, "/v1/dispatches", nil)
	w := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestCompanyKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/dispatches?company_id=q-1", nil)
	if key := CompanyKeyFunc(req); key != "company:q-1" {
		t.Errorf("expected query fallback, got %q", key)
	}

	req.Header.Set("X-Company-ID", "h-1")
	if key := CompanyKeyFunc(req); key != "company:h-1" {
		t.Errorf("header should win, got %q", key)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.1.2.3")
	if key := IPKeyFunc(req); key != "ip:10.1.2.3" {
		t.Errorf("expected forwarded ip, got %q", key)
	}
}

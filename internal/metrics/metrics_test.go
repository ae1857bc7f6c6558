package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/v1/dispatches", 200, 100*time.Millisecond)
	RecordRequest("POST", "/v1/dispatches", 202, 50*time.Millisecond)
	RecordRequest("GET", "/v1/dispatches", 404, 10*time.Millisecond)
}

func TestRecordDispatchMetrics(t *testing.T) {
	RecordDispatchEnqueued("company-1", "invoice_notification")
	RecordDispatchProcessed("sent", "invoice_notification")
	RecordDispatchProcessed("retry", "broadcast")
	RecordDispatchProcessed("dead", "broadcast")
	RecordDispatchLatency("invoice_notification", 2*time.Second)
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("global")
	RecordRateLimitRejection("company")
	RecordRateLimitRejection("none")
}

func TestRecordSyncMetrics(t *testing.T) {
	RecordSyncRun("success")
	RecordSyncRun("failed")
	RecordSyncCooldownSkip()
	RecordSyncBatch()
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("queued", 10)
	SetQueueDepth("sending", 2)
	SetQueueDepth("queued", 0)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "notazap_") {
		t.Error("exposition should include notazap instruments")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusAccepted)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/v1/dispatches", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", rec.Code)
	}
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)
	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}

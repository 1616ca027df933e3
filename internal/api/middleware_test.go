package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vizier-ai/vizier/internal/log"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	h := recoveryMiddleware(log.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	h := requestIDMiddleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("request id should be assigned")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "client-supplied")
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "client-supplied" {
		t.Errorf("request id = %q, want client-supplied", got)
	}
}

func TestCORSMiddleware(t *testing.T) {
	t.Parallel()

	h := corsMiddleware([]string{"https://app.example.com"})(okHandler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin must not be allowed")
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	h := rateLimitMiddleware(3, false, log.NewNop())(okHandler())

	var limited int
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 2 {
		t.Errorf("limited = %d of 5 with burst 3, want 2", limited)
	}

	// A different client has its own budget.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh client status = %d, want 200", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(req, false); got != "10.0.0.1" {
		t.Errorf("untrusted proxy: ip = %q", got)
	}
	if got := clientIP(req, true); got != "203.0.113.7" {
		t.Errorf("trusted proxy: ip = %q", got)
	}
}

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vizier-ai/vizier/internal/catalog"
	"github.com/vizier-ai/vizier/internal/log"
	"github.com/vizier-ai/vizier/internal/orchestrator"
)

func testServerConfig(t *testing.T) Config {
	t.Helper()
	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	return Config{
		Orchestrator:  &fakeProcessor{result: &orchestrator.TurnResult{}},
		Conversations: &fakeConvStore{},
		Catalog:       cat,
		Logger:        log.NewNop(),
	}
}

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing orchestrator", func(c *Config) { c.Orchestrator = nil }},
		{"missing conversation store", func(c *Config) { c.Conversations = nil }},
		{"missing catalog", func(c *Config) { c.Catalog = nil }},
		{"missing logger", func(c *Config) { c.Logger = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testServerConfig(t)
			tt.mutate(&cfg)
			if _, err := NewServer(cfg); err == nil {
				t.Error("NewServer() = nil error, want error")
			}
		})
	}
}

func TestHandler_RoutesThroughMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testServerConfig(t)
	cfg.CORSOrigins = []string{"https://app.example.com"}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("request id header not set")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("CORS header = %q", got)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	s, err := NewServer(testServerConfig(t))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandler_UnknownRoute(t *testing.T) {
	t.Parallel()

	s, err := NewServer(testServerConfig(t))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// Package api exposes the conversation pipeline over HTTP.
//
// Endpoints:
//
//	POST /api/v1/chat                        - process one turn (JSON)
//	POST /api/v1/chat/stream                 - process one turn (SSE)
//	GET  /api/v1/conversations               - list conversations
//	POST /api/v1/conversations               - pre-create a conversation
//	GET  /api/v1/conversations/{id}          - conversation detail
//	GET  /api/v1/conversations/{id}/messages - conversation transcript
//	DELETE /api/v1/conversations/{id}        - deactivate a conversation
//	GET  /api/v1/tools                       - chart tool registry
//	GET  /health, GET /ready                 - probes
//
// File structure:
//   - server.go: server setup and lifecycle
//   - middleware.go: recovery, request id, logging, CORS, rate limiting
//   - chat.go: turn endpoints (JSON + SSE)
//   - conversations.go: conversation endpoints
//   - tools.go: tool registry endpoint
//   - health.go: probes
//   - response.go: JSON response helpers
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vizier-ai/vizier/internal/catalog"
	"github.com/vizier-ai/vizier/internal/log"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"

	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout = 10 * time.Second

	// IdleTimeout bounds keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Config contains required parameters for a Server.
type Config struct {
	Orchestrator  TurnProcessor
	Conversations ConversationStore
	Catalog       *catalog.Catalog
	DB            Pinger // readiness probe target; nil reports not ready
	Logger        log.Logger

	CORSOrigins []string
	RateBurst   int // requests per client per minute; 0 disables limiting
	TrustProxy  bool
}

// Server is the HTTP server for the conversation API.
type Server struct {
	mux    *http.ServeMux
	cfg    Config
	logger log.Logger

	chat          *ChatHandler
	conversations *ConversationHandler
	tools         *ToolsHandler
	health        *HealthHandler
}

// NewServer creates a server with all routes registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:           mux,
		cfg:           cfg,
		logger:        cfg.Logger,
		chat:          NewChatHandler(cfg.Orchestrator, cfg.Logger),
		conversations: NewConversationHandler(cfg.Conversations, cfg.Logger),
		tools:         NewToolsHandler(cfg.Catalog),
		health:        NewHealthHandler(cfg.DB, cfg.Logger),
	}

	s.chat.RegisterRoutes(mux)
	s.conversations.RegisterRoutes(mux)
	s.tools.RegisterRoutes(mux)
	s.health.RegisterRoutes(mux)
	return s, nil
}

// Handler returns the routed handler with the middleware stack applied.
// Order: recovery → request id → logging → CORS → rate limit → routes.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		recoveryMiddleware(s.logger),
		requestIDMiddleware,
		loggingMiddleware(s.logger),
	}
	if len(s.cfg.CORSOrigins) > 0 {
		middlewares = append(middlewares, corsMiddleware(s.cfg.CORSOrigins))
	}
	if s.cfg.RateBurst > 0 {
		middlewares = append(middlewares, rateLimitMiddleware(s.cfg.RateBurst, s.cfg.TrustProxy, s.logger))
	}
	return chain(s.mux, middlewares...)
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		IdleTimeout:       IdleTimeout,
		// No WriteTimeout: SSE streams stay open for a full turn including
		// renders, which can legitimately take minutes.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// chain applies middleware in order: first middleware wraps outermost.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

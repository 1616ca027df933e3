// Package app provides application initialization and dependency wiring.
//
// App is the container holding every long-lived component: Genkit, the
// database pool, the stores, the agents, the orchestrator, and the HTTP
// server. Setup builds them in dependency order; Close releases them in
// reverse.
package app

import (
	"context"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vizier-ai/vizier/internal/api"
	"github.com/vizier-ai/vizier/internal/config"
	"github.com/vizier-ai/vizier/internal/conversation"
	"github.com/vizier-ai/vizier/internal/knowledge"
	"github.com/vizier-ai/vizier/internal/log"
	"github.com/vizier-ai/vizier/internal/orchestrator"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit        *genkit.Genkit
	Pool          *pgxpool.Pool
	Conversations *conversation.Store
	Knowledge     *knowledge.Store
	Orchestrator  *orchestrator.Orchestrator
	Server        *api.Server

	tracingShutdown func(context.Context) error
}

// Close releases all resources in reverse initialization order.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracingShutdown(ctx); err != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
		a.Logger.Info("database pool closed")
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"

	"github.com/vizier-ai/vizier/internal/agent"
	"github.com/vizier-ai/vizier/internal/api"
	"github.com/vizier-ai/vizier/internal/catalog"
	"github.com/vizier-ai/vizier/internal/config"
	"github.com/vizier-ai/vizier/internal/conversation"
	"github.com/vizier-ai/vizier/internal/database"
	"github.com/vizier-ai/vizier/internal/knowledge"
	"github.com/vizier-ai/vizier/internal/llm"
	"github.com/vizier-ai/vizier/internal/log"
	"github.com/vizier-ai/vizier/internal/observability"
	"github.com/vizier-ai/vizier/internal/orchestrator"
	"github.com/vizier-ai/vizier/internal/recovery"
	"github.com/vizier-ai/vizier/internal/renderer"
)

// serviceName identifies this service in tracing backends.
const serviceName = "vizier"

// Setup creates and initializes the application. On failure everything
// already initialized is released; on success the caller owns Close.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing must be registered before Genkit initialization so model
	// spans reach the same exporter.
	tracingShutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.tracingShutdown = tracingShutdown

	if err := database.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := database.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, embedder, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	model, err := llm.New(llm.Config{
		Genkit:      g,
		ModelName:   qualifiedModelName(cfg),
		Temperature: cfg.Temperature,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	a.Conversations = conversation.NewStore(pool, logger)
	a.Knowledge = knowledge.NewStore(pool, embedder, logger)

	cat, err := catalog.Load()
	if err != nil {
		return nil, err
	}

	runner, err := renderer.NewRunner(renderer.Config{
		Catalog:        cat,
		OutputDir:      cfg.RenderOutputDir,
		DefaultTimeout: cfg.RenderTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating render runner: %w", err)
	}

	conversational, err := agent.New(agent.Config{
		Model:     model,
		Catalog:   cat,
		Knowledge: a.Knowledge,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversational agent: %w", err)
	}

	recoverer, err := recovery.New(recovery.Config{Model: model, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("creating recovery agent: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:      a.Conversations,
		Agent:      conversational,
		Recovery:   recoverer,
		Renderer:   runner,
		Catalog:    cat,
		MaxRetries: cfg.MaxRenderRetries,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	a.Orchestrator = orch

	server, err := api.NewServer(api.Config{
		Orchestrator:  orch,
		Conversations: a.Conversations,
		Catalog:       cat,
		DB:            pool,
		Logger:        logger,
		CORSOrigins:   cfg.CORSOrigins,
		RateBurst:     cfg.RateBurst,
		TrustProxy:    cfg.TrustProxy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating HTTP server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideGenkit initializes Genkit with the configured provider and returns
// the instance plus the embedder used by the knowledge retriever.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, ai.Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration.
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)
		return g, ollama.Embedder(g, cfg.OllamaHost), nil

	default: // gemini / googleai
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with google provider")
		}
		logger.Info("initialized genkit with google provider", "model", cfg.ModelName)
		return g, googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel), nil
	}
}

// qualifiedModelName prefixes the configured model with its Genkit provider
// namespace.
func qualifiedModelName(cfg *config.Config) string {
	switch cfg.Provider {
	case config.ProviderOllama:
		return "ollama/" + cfg.ModelName
	default:
		return "googleai/" + cfg.ModelName
	}
}

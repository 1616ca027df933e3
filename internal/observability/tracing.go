// Package observability wires OpenTelemetry tracing into the pipeline.
//
// Spans are exported over OTLP HTTP to a local collector (or agent); the
// collector handles authentication and forwarding, so the application only
// needs an endpoint. Model invocations are traced by Genkit's own
// TracerProvider, which this package registers the exporter with, so turn
// processing and model spans land in the same backend.
package observability

import (
	"context"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/vizier-ai/vizier/internal/log"
)

// DefaultEndpoint is the conventional local OTLP HTTP endpoint.
const DefaultEndpoint = "localhost:4318"

// Config for tracing setup.
type Config struct {
	// Endpoint is the OTLP HTTP collector endpoint. Empty disables tracing.
	Endpoint string
	// Environment tags spans with the deployment environment.
	Environment string
	// ServiceName identifies this service in the tracing backend.
	ServiceName string

	Logger log.Logger
}

// Setup registers an OTLP exporter with Genkit's TracerProvider and returns
// a shutdown function that flushes pending spans. A zero Endpoint or an
// exporter construction failure disables tracing without failing startup.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	nop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return nop, nil
	}

	// Genkit's TracerProvider reads service identity from the environment.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		cfg.Logger.Warn("creating OTLP exporter failed, tracing disabled", "error", err)
		return nop, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	cfg.Logger.Debug("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment)

	return tracing.TracerProvider().Shutdown, nil
}

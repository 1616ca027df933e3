package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vizier-ai/vizier/internal/agent"
)

// EventType tags one record of the streaming event sequence.
type EventType string

const (
	// EventMessage carries incremental or final assistant text. The last
	// message event before any generating/visualization event is the
	// authoritative reply for branching.
	EventMessage EventType = "message"
	// EventGenerating marks the start of a render attempt.
	EventGenerating EventType = "generating"
	// EventVisualization carries a render outcome.
	EventVisualization EventType = "visualization"
	// EventAnalyzing marks the start of post-render analysis.
	EventAnalyzing EventType = "analyzing"
	// EventAnalysis carries post-render insights.
	EventAnalysis EventType = "analysis"
	// EventError carries a terminal failure description.
	EventError EventType = "error"
	// EventDone is the end-of-stream sentinel.
	EventDone EventType = "done"
)

// Event is one tagged record of a turn's event sequence. Exactly one payload
// field matching Type is set.
type Event struct {
	Type          EventType             `json:"type"`
	Message       *MessagePayload       `json:"message,omitempty"`
	Generating    *GeneratingPayload    `json:"generating,omitempty"`
	Visualization *VisualizationPayload `json:"visualization,omitempty"`
	Analysis      *agent.Analysis       `json:"analysis,omitempty"`
	Error         *ErrorPayload         `json:"error,omitempty"`
}

// MessagePayload carries assistant text. Delta events have only Delta set;
// the final event carries the full content plus reply flags.
type MessagePayload struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Delta          string    `json:"delta,omitempty"`
	Content        string    `json:"content,omitempty"`
	Final          bool      `json:"final,omitempty"`
	NeedsInfo      bool      `json:"needsInfo,omitempty"`
	MissingParams  []string  `json:"missingParams,omitempty"`
	Suggestions    []string  `json:"suggestions,omitempty"`
	ShowExample    string    `json:"showExample,omitempty"`
}

// GeneratingPayload announces a render attempt, 1-based.
type GeneratingPayload struct {
	ChartType string `json:"chartType"`
	Attempt   int    `json:"attempt"`
}

// VisualizationPayload reports a successful render. RetryCount is the number
// of retries consumed before success (0 = first attempt).
type VisualizationPayload struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message,omitempty"`
	Outputs    []string `json:"outputs,omitempty"`
	RetryCount int      `json:"retryCount"`
}

// ErrorPayload reports a terminal turn failure. For exhausted render loops
// RetryCount is the total number of attempts made.
type ErrorPayload struct {
	Message    string `json:"message"`
	Category   string `json:"category,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// Emitter receives the ordered event sequence of one turn.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// guardedEmitter suppresses all emission after the first failure: a
// disconnected caller stops receiving events, but the turn keeps running so
// persistence can complete.
type guardedEmitter struct {
	inner  Emitter
	logger *slog.Logger
	failed bool
}

func newGuardedEmitter(inner Emitter, logger *slog.Logger) *guardedEmitter {
	return &guardedEmitter{inner: inner, logger: logger}
}

func (g *guardedEmitter) emit(ctx context.Context, ev Event) {
	if g.inner == nil || g.failed {
		return
	}
	if err := g.inner.Emit(ctx, ev); err != nil {
		g.failed = true
		g.logger.Debug("event emission stopped", "type", ev.Type, "error", err)
	}
}

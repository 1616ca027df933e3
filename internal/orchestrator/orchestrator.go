// Package orchestrator owns the conversation turn lifecycle: it loads or
// creates conversation state, runs the conversational agent, persists turns
// in apply-then-record order, drives the bounded render-recover retry loop,
// and emits the streaming event sequence to the caller.
//
// Per turn the flow is strictly sequential: load context, process with the
// agent, persist the user message, branch (reply only, example render, or
// the render-recover loop), then finalize the assistant message. The
// orchestrator is the only reader and writer of persisted conversation
// state; agents never touch the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vizier-ai/vizier/internal/agent"
	"github.com/vizier-ai/vizier/internal/catalog"
	"github.com/vizier-ai/vizier/internal/conversation"
	"github.com/vizier-ai/vizier/internal/llm"
	"github.com/vizier-ai/vizier/internal/recovery"
	"github.com/vizier-ai/vizier/internal/renderer"
	"github.com/vizier-ai/vizier/internal/viz"
)

// DefaultMaxRetries is the render retry bound the configuration layer
// applies when none is set: at most DefaultMaxRetries+1 render attempts
// per turn.
const DefaultMaxRetries = 2

// historyLimit caps how many persisted messages are loaded per turn.
const historyLimit = 50

var (
	// ErrEmptyMessage indicates a turn request without user text.
	ErrEmptyMessage = errors.New("user message is empty")
	// ErrMissingUser indicates a turn request without a user id.
	ErrMissingUser = errors.New("user id is required")
)

// Store is the persistence surface the orchestrator needs.
// Satisfied by *conversation.Store.
type Store interface {
	CreateConversation(ctx context.Context, userID string, metadata map[string]any) (*conversation.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	UpdateTitle(ctx context.Context, id uuid.UUID, title string) error
	CreateMessage(ctx context.Context, msg *conversation.Message) (*conversation.Message, error)
	CompleteMessage(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error
	History(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*conversation.Message, error)
}

// ConversationalAgent is the turn-processing surface.
// Satisfied by *agent.Agent.
type ConversationalAgent interface {
	Process(ctx context.Context, userMessage string, history []conversation.Entry) *agent.Result
	ProcessStream(ctx context.Context, userMessage string, history []conversation.Entry, onDelta llm.DeltaFunc) *agent.Result
	AnalyzeResult(ctx context.Context, req *viz.Request, renderMessage string) (*agent.Analysis, error)
	GenerateTitle(ctx context.Context, userMessage string) (string, error)
}

// RecoveryAgent is the failure-analysis surface.
// Satisfied by *recovery.Agent.
type RecoveryAgent interface {
	Analyze(ctx context.Context, errorDetails, dataInfo map[string]any, originalConfig map[string]any, req *viz.Request) (*recovery.ErrorAnalysis, error)
	Fix(ctx context.Context, analysis *recovery.ErrorAnalysis, req *viz.Request, dataInfo map[string]any) (*recovery.FixResult, error)
}

// Renderer invokes the rendering backend.
// Satisfied by *renderer.Runner.
type Renderer interface {
	Invoke(ctx context.Context, req *viz.Request, userID string) (*renderer.Result, error)
}

// Attachment describes a file referenced by a turn request.
type Attachment struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	StorageRef  string `json:"storageRef"`
}

// TurnRequest is one incoming user turn. A zero ConversationID starts a new
// conversation.
type TurnRequest struct {
	UserID         string
	ConversationID uuid.UUID
	UserMessage    string
	Attachments    []Attachment
}

// TurnResult is the non-streaming view of a processed turn.
type TurnResult struct {
	ConversationID uuid.UUID             `json:"conversationId"`
	Message        string                `json:"message"`
	NeedsInfo      bool                  `json:"needsInfo"`
	MissingParams  []string              `json:"missingParams,omitempty"`
	Suggestions    []string              `json:"suggestions,omitempty"`
	Request        *viz.Request          `json:"visualizationRequest,omitempty"`
	ShowExample    string                `json:"showExample,omitempty"`
	Visualization  *VisualizationPayload `json:"visualization,omitempty"`
	Analysis       *agent.Analysis       `json:"analysis,omitempty"`
	Error          *ErrorPayload         `json:"error,omitempty"`
}

// Config contains required parameters for an Orchestrator.
type Config struct {
	Store    Store
	Agent    ConversationalAgent
	Recovery RecoveryAgent
	Renderer Renderer
	Catalog  *catalog.Catalog

	// MaxRetries bounds recovery retries per render loop; the loop makes at
	// most MaxRetries+1 attempts. Zero disables recovery retries (every
	// render gets a single attempt); negative is invalid. Defaults live in
	// the configuration layer, not here.
	MaxRetries int
	Logger     *slog.Logger
}

// Orchestrator drives conversation turns. It holds no per-conversation
// state; all state lives in the Store. Safe for concurrent use across
// conversations; concurrent turns on one conversation are last-write-wins.
type Orchestrator struct {
	store      Store
	agent      ConversationalAgent
	recovery   RecoveryAgent
	renderer   Renderer
	catalog    *catalog.Catalog
	maxRetries int
	logger     *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Agent == nil {
		return nil, errors.New("conversational agent is required")
	}
	if cfg.Recovery == nil {
		return nil, errors.New("recovery agent is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be non-negative, got %d", cfg.MaxRetries)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		store:      cfg.Store,
		agent:      cfg.Agent,
		recovery:   cfg.Recovery,
		renderer:   cfg.Renderer,
		catalog:    cfg.Catalog,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}, nil
}

// ProcessTurn runs one full turn. emit may be nil for non-streaming callers;
// when set, events are delivered in order and a delivery failure stops
// further emission without aborting the turn. An error return means the turn
// was aborted on the core path (context load or persistence); agent and
// render failures are reported in the result, not as errors.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest, emit Emitter) (*TurnResult, error) {
	if req.UserMessage == "" {
		return nil, ErrEmptyMessage
	}
	if req.UserID == "" {
		return nil, ErrMissingUser
	}

	events := newGuardedEmitter(emit, o.logger)

	conv, isNew, err := o.loadContext(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("conversation_id", conv.ID, "user_id", req.UserID)

	var history []conversation.Entry
	if !isNew {
		msgs, err := o.store.History(ctx, conv.ID, historyLimit)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
		history = conversation.HistoryEntries(msgs)
	}

	res := o.processWithAgent(ctx, req.UserMessage, history, conv.ID, events, emit != nil)

	// Persistence must survive caller disconnects: the assistant row is
	// never left dangling incomplete.
	persistCtx := context.WithoutCancel(ctx)

	// The user message is recorded only after the agent understood it.
	userMeta := map[string]any{}
	if len(req.Attachments) > 0 {
		userMeta[conversation.MetaAttachments] = req.Attachments
	}
	if _, err := o.store.CreateMessage(persistCtx, &conversation.Message{
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        req.UserMessage,
		Metadata:       userMeta,
		IsComplete:     true,
	}); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}

	placeholder, err := o.store.CreateMessage(persistCtx, &conversation.Message{
		ConversationID: conv.ID,
		Role:           conversation.RoleAssistant,
		IsComplete:     false,
	})
	if err != nil {
		return nil, fmt.Errorf("creating assistant placeholder: %w", err)
	}

	events.emit(ctx, Event{Type: EventMessage, Message: &MessagePayload{
		ConversationID: conv.ID,
		Content:        res.Message,
		Final:          true,
		NeedsInfo:      res.NeedsInfo,
		MissingParams:  res.MissingParams,
		Suggestions:    res.Suggestions,
		ShowExample:    res.ShowExample,
	}})

	if isNew {
		o.generateTitle(ctx, conv.ID, req.UserMessage, logger)
	}

	meta := map[string]any{}
	if len(res.Suggestions) > 0 {
		meta[conversation.MetaSuggestions] = res.Suggestions
	}

	result := &TurnResult{
		ConversationID: conv.ID,
		Message:        res.Message,
		NeedsInfo:      res.NeedsInfo,
		MissingParams:  res.MissingParams,
		Suggestions:    res.Suggestions,
		Request:        res.Request,
		ShowExample:    res.ShowExample,
	}

	switch {
	case res.ShowExample != "":
		result.Visualization, result.Error = o.renderExample(ctx, events, res.ShowExample, req.UserID, meta, logger)
	case res.Request != nil && !res.NeedsInfo:
		result.Visualization, result.Analysis, result.Error =
			o.renderLoop(ctx, events, res.Request, req.UserID, conv.Metadata, meta, logger)
	}
	if result.Error != nil {
		meta[conversation.MetaError] = result.Error
	}

	if err := o.store.CompleteMessage(persistCtx, placeholder.ID, res.Message, meta); err != nil {
		return nil, fmt.Errorf("finalizing assistant message: %w", err)
	}

	events.emit(ctx, Event{Type: EventDone})
	return result, nil
}

// loadContext resolves or creates the conversation for a turn.
func (o *Orchestrator) loadContext(ctx context.Context, req TurnRequest) (*conversation.Conversation, bool, error) {
	if req.ConversationID != uuid.Nil {
		conv, err := o.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, false, fmt.Errorf("loading conversation: %w", err)
		}
		return conv, false, nil
	}
	conv, err := o.store.CreateConversation(ctx, req.UserID, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, true, nil
}

// processWithAgent runs the agent, streaming deltas when the caller wants
// events. The returned result from the final parse is authoritative;
// streamed deltas are display only.
func (o *Orchestrator) processWithAgent(ctx context.Context, userMessage string, history []conversation.Entry, convID uuid.UUID, events *guardedEmitter, streaming bool) *agent.Result {
	if !streaming {
		return o.agent.Process(ctx, userMessage, history)
	}
	return o.agent.ProcessStream(ctx, userMessage, history, func(ctx context.Context, delta string) error {
		events.emit(ctx, Event{Type: EventMessage, Message: &MessagePayload{
			ConversationID: convID,
			Delta:          delta,
		}})
		return nil
	})
}

// generateTitle lazily titles a new conversation from its first message.
// Best-effort: failures are logged, never surfaced.
func (o *Orchestrator) generateTitle(ctx context.Context, convID uuid.UUID, userMessage string, logger *slog.Logger) {
	title, err := o.agent.GenerateTitle(ctx, userMessage)
	if err != nil {
		logger.Debug("title generation failed", "error", err)
		return
	}
	if err := o.store.UpdateTitle(context.WithoutCancel(ctx), convID, title); err != nil {
		logger.Warn("storing title failed", "error", err)
	}
}

// renderLoop drives the bounded render-recover cycle. It performs at most
// maxRetries+1 attempts, consulting the recovery agent only for failures
// that carry both error details and data info. Every fixed request replaces
// the in-flight one; the original is never mutated.
func (o *Orchestrator) renderLoop(ctx context.Context, events *guardedEmitter, req *viz.Request, userID string, convMeta map[string]any, msgMeta map[string]any, logger *slog.Logger) (*VisualizationPayload, *agent.Analysis, *ErrorPayload) {
	maxAttempts := o.maxRetries + 1
	current := req

	var (
		lastResult   *renderer.Result
		lastCategory string
		fixesApplied []string
		attempts     int
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		events.emit(ctx, Event{Type: EventGenerating, Generating: &GeneratingPayload{
			ChartType: current.ChartType,
			Attempt:   attempt,
		}})

		result, err := o.renderer.Invoke(ctx, current, userID)
		if err != nil {
			// Dispatch failures carry no diagnostics; they consume the
			// attempt and end the loop below.
			logger.Warn("render dispatch failed", "attempt", attempt, "error", err)
			lastResult = &renderer.Result{Success: false, Message: err.Error()}
			break
		}

		if result.Success {
			retries := attempt - 1
			msgMeta[conversation.MetaVisualizationRequest] = requestSnapshot(current, retries, fixesApplied)
			payload := &VisualizationPayload{
				Success:    true,
				Message:    result.Message,
				Outputs:    result.Outputs,
				RetryCount: retries,
			}
			events.emit(ctx, Event{Type: EventVisualization, Visualization: payload})

			analysis := o.analyzeRender(ctx, events, current, result.Message, msgMeta, logger)
			return payload, analysis, nil
		}

		lastResult = result
		logger.Info("render attempt failed",
			"attempt", attempt,
			"diagnosable", result.Diagnosable(),
			"message", result.Message)

		if attempt == maxAttempts || !result.Diagnosable() {
			break
		}

		analysis, err := o.recovery.Analyze(ctx, result.ErrorDetails, result.DataInfo, convMeta, current)
		if err != nil {
			// Recovery failure is never escalated; the original render
			// failure stands.
			logger.Warn("failure analysis errored", "error", err)
			break
		}
		lastCategory = analysis.Category
		if !analysis.CanAutoFix {
			break
		}

		fix, err := o.recovery.Fix(ctx, analysis, current, result.DataInfo)
		if err != nil || fix == nil {
			logger.Warn("fix generation failed", "error", err)
			break
		}
		if err := fix.Request.Validate(); err != nil {
			logger.Warn("fixed request rejected", "error", err)
			break
		}
		current = fix.Request
		fixesApplied = append(fixesApplied, fix.FixesApplied...)
	}

	msgMeta[conversation.MetaVisualizationRequest] = requestSnapshot(current, attempts, fixesApplied)
	errPayload := &ErrorPayload{
		Message:    renderFailureText(lastResult),
		Category:   lastCategory,
		RetryCount: attempts,
	}
	events.emit(ctx, Event{Type: EventError, Error: errPayload})
	return nil, nil, errPayload
}

// renderExample renders a tool's reference example once, outside the
// recovery loop.
func (o *Orchestrator) renderExample(ctx context.Context, events *guardedEmitter, chartType, userID string, msgMeta map[string]any, logger *slog.Logger) (*VisualizationPayload, *ErrorPayload) {
	tool, ok := o.catalog.Tool(chartType)
	if !ok || tool.Example == nil {
		errPayload := &ErrorPayload{Message: fmt.Sprintf("no example available for chart type %q", chartType)}
		events.emit(ctx, Event{Type: EventError, Error: errPayload})
		return nil, errPayload
	}

	req := &viz.Request{
		ChartType: tool.ID,
		Engine:    tool.Engine,
		Data:      tool.Example.Data,
		Params:    tool.Example.Params,
		Reasoning: "reference example render",
	}

	events.emit(ctx, Event{Type: EventGenerating, Generating: &GeneratingPayload{
		ChartType: tool.ID,
		Attempt:   1,
	}})

	result, err := o.renderer.Invoke(ctx, req, userID)
	if err != nil {
		errPayload := &ErrorPayload{Message: fmt.Sprintf("example render failed: %v", err)}
		events.emit(ctx, Event{Type: EventError, Error: errPayload})
		return nil, errPayload
	}
	if !result.Success {
		logger.Info("example render failed", "chart_type", tool.ID, "message", result.Message)
		errPayload := &ErrorPayload{Message: renderFailureText(result)}
		events.emit(ctx, Event{Type: EventError, Error: errPayload})
		return nil, errPayload
	}

	msgMeta[conversation.MetaVisualizationRequest] = requestSnapshot(req, 0, nil)
	payload := &VisualizationPayload{
		Success: true,
		Message: result.Message,
		Outputs: result.Outputs,
	}
	events.emit(ctx, Event{Type: EventVisualization, Visualization: payload})
	return payload, nil
}

// analyzeRender runs the best-effort post-render analysis step.
func (o *Orchestrator) analyzeRender(ctx context.Context, events *guardedEmitter, req *viz.Request, renderMessage string, msgMeta map[string]any, logger *slog.Logger) *agent.Analysis {
	events.emit(ctx, Event{Type: EventAnalyzing})

	analysis, err := o.agent.AnalyzeResult(ctx, req, renderMessage)
	if err != nil {
		logger.Debug("post-render analysis failed", "error", err)
		return nil
	}
	msgMeta[conversation.MetaAnalysis] = analysis
	events.emit(ctx, Event{Type: EventAnalysis, Analysis: analysis})
	return analysis
}

func requestSnapshot(req *viz.Request, retryCount int, fixesApplied []string) map[string]any {
	snapshot := map[string]any{
		"request":    req,
		"retryCount": retryCount,
	}
	if len(fixesApplied) > 0 {
		snapshot["fixesApplied"] = fixesApplied
	}
	return snapshot
}

func renderFailureText(result *renderer.Result) string {
	if result == nil || result.Message == "" {
		return "visualization rendering failed"
	}
	return result.Message
}

// Package agent implements the conversational turn processor: given a user
// message and prior history it classifies intent, answers knowledge questions
// directly, or synthesizes a structured visualization request.
//
// The agent is stateless and never touches persistence; everything it needs
// arrives as parameters or injected capabilities.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vizier-ai/vizier/internal/catalog"
	"github.com/vizier-ai/vizier/internal/conversation"
	"github.com/vizier-ai/vizier/internal/llm"
	"github.com/vizier-ai/vizier/internal/viz"
)

const (
	// maxHistoryEntries bounds how much history enters the prompt.
	maxHistoryEntries = 10
	// maxEntryLen bounds each history entry's contribution.
	maxEntryLen = 500

	// titleTimeout caps the lazy title-generation call; titles are
	// best-effort and must never hold up a turn.
	titleTimeout = 5 * time.Second
	maxTitleLen  = 80
)

// fallbackMessage keeps the conversation alive when the model is unavailable
// or returns something unusable.
const fallbackMessage = "Sorry, I ran into a problem processing that. Could you rephrase or try again?"

// placeholderMessage substitutes for a structurally valid reply that arrived
// without any message text.
const placeholderMessage = "I've processed your request."

// ModelClient is the slice of the model surface the agent uses.
// Satisfied by *llm.Client.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteJSON(ctx context.Context, prompt string, out any) error
	CompleteJSONStream(ctx context.Context, prompt string, out any, onDelta llm.DeltaFunc) error
}

// Retriever supplies optional knowledge context for prompts.
// Satisfied by *knowledge.Store.
type Retriever interface {
	RelevantContext(ctx context.Context, query string) string
}

// Result is one processed turn from the agent's point of view.
type Result struct {
	Message       string       `json:"message"`
	NeedsInfo     bool         `json:"needsInfo"`
	MissingParams []string     `json:"missingParams,omitempty"`
	Request       *viz.Request `json:"visualizationRequest,omitempty"`
	Suggestions   []string     `json:"suggestions,omitempty"`
	ShowExample   string       `json:"showExample,omitempty"`
}

// Analysis carries post-render insights for the assistant message metadata.
type Analysis struct {
	Insights        []string `json:"insights,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	FollowUps       []string `json:"followUps,omitempty"`
}

// Config contains required parameters for an Agent.
type Config struct {
	Model     ModelClient
	Catalog   *catalog.Catalog
	Knowledge Retriever // optional
	Logger    *slog.Logger
}

// Agent is a stateless conversational turn processor.
// Safe for concurrent use.
type Agent struct {
	model     ModelClient
	catalog   *catalog.Catalog
	knowledge Retriever
	logger    *slog.Logger
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		model:     cfg.Model,
		catalog:   cfg.Catalog,
		knowledge: cfg.Knowledge,
		logger:    cfg.Logger,
	}, nil
}

// Process handles one turn. It always returns a usable Result: model
// failures and unparseable replies degrade to an apologetic reply with
// NeedsInfo set rather than surfacing an error.
func (a *Agent) Process(ctx context.Context, userMessage string, history []conversation.Entry) *Result {
	var res Result
	if err := a.model.CompleteJSON(ctx, a.buildPrompt(ctx, userMessage, history), &res); err != nil {
		a.logger.Warn("agent model call failed", "error", err)
		return fallback()
	}
	return a.normalize(&res)
}

// ProcessStream is Process with incremental text deltas. Deltas carry only
// the human-readable message portion of the reply as it forms; the returned
// Result comes from the final parse and is the single authority for
// branching decisions.
func (a *Agent) ProcessStream(ctx context.Context, userMessage string, history []conversation.Entry, onDelta llm.DeltaFunc) *Result {
	extractor := newMessageExtractor()

	var res Result
	err := a.model.CompleteJSONStream(ctx, a.buildPrompt(ctx, userMessage, history), &res,
		func(ctx context.Context, raw string) error {
			if text := extractor.Feed(raw); text != "" {
				return onDelta(ctx, text)
			}
			return nil
		})
	if err != nil {
		a.logger.Warn("agent streaming model call failed", "error", err)
		return fallback()
	}
	return a.normalize(&res)
}

// AnalyzeResult produces post-render insights for a successful
// visualization. Callers treat failure as non-fatal.
func (a *Agent) AnalyzeResult(ctx context.Context, req *viz.Request, renderMessage string) (*Analysis, error) {
	var b strings.Builder
	b.WriteString("A data visualization was just rendered successfully.\n")
	fmt.Fprintf(&b, "Chart type: %s (engine %s)\n", req.ChartType, req.Engine)
	if len(req.Data) > 0 {
		fmt.Fprintf(&b, "Dataset: %d rows\n", len(req.Data))
	}
	if renderMessage != "" {
		fmt.Fprintf(&b, "Renderer notes: %s\n", renderMessage)
	}
	b.WriteString("\nProvide brief insights about what the chart shows, recommendations for " +
		"improving it, and possible follow-up analyses. Reply as JSON with string arrays " +
		"\"insights\", \"recommendations\", and \"followUps\". Keep each item to one sentence.")

	var analysis Analysis
	if err := a.model.CompleteJSON(ctx, b.String(), &analysis); err != nil {
		return nil, fmt.Errorf("analyzing render result: %w", err)
	}
	return &analysis, nil
}

// GenerateTitle produces a short conversation title from the first user
// message. Bounded internally; best-effort at the call site.
func (a *Agent) GenerateTitle(ctx context.Context, userMessage string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Write a concise title (at most 6 words, no quotes, no trailing punctuation) "+
			"for a conversation that starts with this message:\n\n%s",
		clip(userMessage, maxEntryLen))

	raw, err := a.model.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generating title: %w", err)
	}

	title := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("model returned empty title")
	}
	return clip(title, maxTitleLen), nil
}

func (a *Agent) buildPrompt(ctx context.Context, userMessage string, history []conversation.Entry) string {
	var b strings.Builder

	b.WriteString("You are a data-visualization assistant. Classify the user's message:\n")
	b.WriteString("- A knowledge question: answer it directly in \"message\" and leave \"visualizationRequest\" unset.\n")
	b.WriteString("- A visualization request: pick a chart tool from the list below and fill \"visualizationRequest\" ")
	b.WriteString("with chartType, engine, params, the user's inline data if any, and a short reasoning string.\n")
	b.WriteString("- Missing required parameters or data: set \"needsInfo\" to true, list \"missingParams\", and ask for them in \"message\".\n")
	b.WriteString("- A request to see an example of a chart type: set \"showExample\" to that chart type's id.\n")
	b.WriteString("Always write a helpful \"message\" and up to three follow-up \"suggestions\".\n\n")

	b.WriteString(a.catalog.PromptDescription())
	b.WriteString("\n")

	if a.knowledge != nil {
		if kctx := a.knowledge.RelevantContext(ctx, userMessage); kctx != "" {
			b.WriteString(kctx)
			b.WriteString("\n")
		}
	}

	if h := formatHistory(history); h != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(h)
		b.WriteString("\n")
	}

	b.WriteString("User message:\n")
	b.WriteString(userMessage)
	return b.String()
}

// normalize applies the defaulting rules: a missing message gets a
// placeholder, and a malformed visualization request is dropped in favor of
// asking for more information rather than failing downstream.
func (a *Agent) normalize(res *Result) *Result {
	res.Message = strings.TrimSpace(res.Message)
	if res.Message == "" {
		res.Message = placeholderMessage
	}

	if res.Request != nil {
		res.Request.Engine = strings.ToLower(strings.TrimSpace(res.Request.Engine))
		if err := res.Request.Validate(); err != nil {
			a.logger.Warn("dropping malformed visualization request", "error", err)
			res.Request = nil
			res.NeedsInfo = true
		}
	}
	return res
}

func fallback() *Result {
	return &Result{Message: fallbackMessage, NeedsInfo: true}
}

// formatHistory renders the most recent history entries, clipped, oldest
// first.
func formatHistory(history []conversation.Entry) string {
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}
	var b strings.Builder
	for _, e := range history {
		fmt.Fprintf(&b, "%s: %s\n", e.Role, clip(e.Content, maxEntryLen))
	}
	return b.String()
}

// clip truncates s to at most n bytes, backing up to a rune boundary so the
// result stays valid UTF-8.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// Package recovery implements the failure analyst behind the render retry
// loop: it classifies a diagnosable render failure and, when the failure is
// automatically fixable, produces a corrected visualization request.
//
// Like the conversational agent it is stateless; the orchestrator owns the
// retry budget and decides when to call it.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vizier-ai/vizier/internal/viz"
)

// ErrorAnalysis classifies one failed render attempt.
type ErrorAnalysis struct {
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	RootCause      string   `json:"rootCause"`
	SuggestedFixes []string `json:"suggestedFixes,omitempty"`
	CanAutoFix     bool     `json:"canAutoFix"`
}

// FixResult is a corrected request plus a human-readable record of what
// changed.
type FixResult struct {
	Request      *viz.Request `json:"request"`
	FixesApplied []string     `json:"fixesApplied,omitempty"`
}

// ModelClient is the model surface the recovery agent needs.
// Satisfied by *llm.Client.
type ModelClient interface {
	CompleteJSON(ctx context.Context, prompt string, out any) error
}

// Config contains required parameters for an Agent.
type Config struct {
	Model  ModelClient
	Logger *slog.Logger
}

// Agent analyzes render failures and proposes corrected requests.
// Safe for concurrent use.
type Agent struct {
	model  ModelClient
	logger *slog.Logger
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{model: cfg.Model, logger: cfg.Logger}, nil
}

// Analyze classifies a render failure from its diagnostics. Callers treat an
// error return the same as CanAutoFix = false.
func (a *Agent) Analyze(ctx context.Context, errorDetails, dataInfo map[string]any, originalConfig map[string]any, req *viz.Request) (*ErrorAnalysis, error) {
	var b strings.Builder
	b.WriteString("A chart render failed. Diagnose the failure.\n\n")
	writeJSONSection(&b, "Error details", errorDetails)
	writeJSONSection(&b, "Data shape", dataInfo)
	if len(originalConfig) > 0 {
		writeJSONSection(&b, "Generation config", originalConfig)
	}
	writeJSONSection(&b, "Original request", req)
	b.WriteString("\nReply as JSON: \"category\" (short tag such as missing_column, bad_param, data_shape), ")
	b.WriteString("\"description\", \"rootCause\", \"suggestedFixes\" (string array), and \"canAutoFix\". ")
	b.WriteString("Set canAutoFix to true only when the request itself can be corrected without new user input, ")
	b.WriteString("for example when a referenced column simply has a different name in the data.")

	var analysis ErrorAnalysis
	if err := a.model.CompleteJSON(ctx, b.String(), &analysis); err != nil {
		return nil, fmt.Errorf("analyzing render failure: %w", err)
	}

	if strings.TrimSpace(analysis.Category) == "" {
		analysis.Category = "unknown"
	}
	if strings.TrimSpace(analysis.Description) == "" {
		analysis.Description = "render failed for an undetermined reason"
	}

	a.logger.Debug("render failure analyzed",
		"category", analysis.Category,
		"can_auto_fix", analysis.CanAutoFix)
	return &analysis, nil
}

// Fix produces a corrected request for an auto-fixable failure. Returns
// (nil, nil) when the analysis is not auto-fixable; callers must not retry
// in that case.
func (a *Agent) Fix(ctx context.Context, analysis *ErrorAnalysis, req *viz.Request, dataInfo map[string]any) (*FixResult, error) {
	if analysis == nil || !analysis.CanAutoFix {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString("Correct this chart request so that it renders. Change only the fields implicated ")
	b.WriteString("by the diagnosis; keep everything else identical.\n\n")
	writeJSONSection(&b, "Diagnosis", analysis)
	writeJSONSection(&b, "Data shape", dataInfo)
	writeJSONSection(&b, "Original request", req)
	b.WriteString("\nReply as JSON with \"request\" (the corrected request, same shape as the original) ")
	b.WriteString("and \"fixesApplied\" (one short string per change).")

	var fix FixResult
	if err := a.model.CompleteJSON(ctx, b.String(), &fix); err != nil {
		return nil, fmt.Errorf("generating fix: %w", err)
	}
	if fix.Request == nil {
		return nil, fmt.Errorf("fix reply carried no request")
	}

	fix.Request.Engine = strings.ToLower(strings.TrimSpace(fix.Request.Engine))
	if fix.Request.ChartType == "" {
		fix.Request.ChartType = req.ChartType
	}
	if fix.Request.Engine == "" {
		fix.Request.Engine = req.Engine
	}
	// A fix corrects parameters; it must not lose the dataset.
	if fix.Request.Data == nil && req.Data != nil {
		fix.Request.Data = req.Data
	}
	if err := fix.Request.Validate(); err != nil {
		return nil, fmt.Errorf("fixed request is invalid: %w", err)
	}

	a.logger.Info("render fix generated", "fixes", fix.FixesApplied)
	return &fix, nil
}

func writeJSONSection(b *strings.Builder, title string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(b, "%s:\n%s\n", title, data)
}

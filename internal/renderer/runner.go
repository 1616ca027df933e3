// Package renderer invokes the external rendering engines that turn a
// structured visualization request into output artifacts.
//
// Each engine (R, Python) is a subprocess: the runner receives a JSON
// payload on stdin and reports a JSON result on stdout. Invocations carry a
// hard per-tool timeout; a killed process is reported as a regular render
// failure so the recovery loop can still act on it.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vizier-ai/vizier/internal/catalog"
	"github.com/vizier-ai/vizier/internal/viz"
)

// ErrUnknownTool indicates a chart type absent from the catalog.
var ErrUnknownTool = errors.New("unknown chart tool")

// maxRunnerOutput bounds captured stdout/stderr per invocation.
const maxRunnerOutput = 1 << 20

// payload is what an engine runner reads from stdin.
type payload struct {
	Tool      string           `json:"tool"`
	Params    map[string]any   `json:"params"`
	Data      []map[string]any `json:"data,omitempty"`
	OutputDir string           `json:"outputDir"`
}

// Config contains required parameters for a Runner.
type Config struct {
	Catalog        *catalog.Catalog
	OutputDir      string // artifact root, namespaced per user below
	DefaultTimeout time.Duration
	Logger         *slog.Logger

	// Commands maps engine id to the argv prefix that starts its runner.
	// nil entries fall back to built-in defaults.
	Commands map[string][]string
}

// defaultCommands are the stock engine runner invocations.
var defaultCommands = map[string][]string{
	viz.EngineR:      {"Rscript", "engines/render.R"},
	viz.EnginePython: {"python3", "-m", "vizier_render"},
}

// Runner executes render requests against the configured engines.
// Safe for concurrent use.
type Runner struct {
	catalog        *catalog.Catalog
	outputDir      string
	defaultTimeout time.Duration
	commands       map[string][]string
	logger         *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	commands := make(map[string][]string, len(defaultCommands))
	for engine, argv := range defaultCommands {
		commands[engine] = argv
	}
	for engine, argv := range cfg.Commands {
		if len(argv) > 0 {
			commands[engine] = argv
		}
	}

	return &Runner{
		catalog:        cfg.Catalog,
		outputDir:      cfg.OutputDir,
		defaultTimeout: cfg.DefaultTimeout,
		commands:       commands,
		logger:         cfg.Logger,
	}, nil
}

// Invoke renders one request for the given user. The returned Result is
// non-nil whenever error is nil; render failures are reported in the Result,
// not as errors. An error return means the request could not be dispatched
// at all (unknown tool, unrenderable engine, workspace failure).
func (r *Runner) Invoke(ctx context.Context, req *viz.Request, userID string) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tool, ok := r.catalog.Tool(req.ChartType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, req.ChartType)
	}

	argv, ok := r.commands[tool.Engine]
	if !ok {
		return nil, fmt.Errorf("%w: no runner for engine %q", viz.ErrUnknownEngine, tool.Engine)
	}

	outDir := filepath.Join(r.outputDir, sanitizeID(userID), uuid.NewString())
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	input, err := json.Marshal(payload{
		Tool:      tool.ID,
		Params:    tool.MergedParams(req.Params),
		Data:      req.Data,
		OutputDir: outDir,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling render payload: %w", err)
	}

	timeout := tool.Timeout(r.defaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...) // #nosec G204 -- argv comes from config, not user input
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = limitWriter(&stdout)
	cmd.Stderr = limitWriter(&stderr)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	r.logger.Debug("render invocation finished",
		"tool", tool.ID,
		"engine", tool.Engine,
		"elapsed", elapsed,
		"error", runErr)

	if runCtx.Err() == context.DeadlineExceeded {
		// Process was killed. Synthesize diagnostics so the recovery loop
		// can still reason about the attempt.
		return &Result{
			Success: false,
			Message: fmt.Sprintf("render timed out after %v", timeout),
			ErrorDetails: map[string]any{
				"error":           "timeout",
				"timeout_seconds": timeout.Seconds(),
			},
			DataInfo: DescribeData(req.Data),
		}, nil
	}

	result, parseErr := parseResult(stdout.Bytes())
	if parseErr != nil {
		// Runner crashed or emitted garbage: a failure without structured
		// diagnostics, terminal for the recovery loop.
		msg := firstNonEmpty(stderr.String(), stdout.String(), "render runner produced no output")
		if runErr != nil {
			msg = fmt.Sprintf("%s (%v)", msg, runErr)
		}
		return &Result{Success: false, Message: truncate(msg, 2000)}, nil
	}

	if !result.Success && result.DataInfo == nil && req.Data != nil {
		result.DataInfo = DescribeData(req.Data)
	}
	return result, nil
}

func parseResult(out []byte) (*Result, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, errors.New("empty runner output")
	}
	// Runners may log before the result object; the JSON document is the
	// last line.
	if idx := bytes.LastIndexByte(out, '\n'); idx >= 0 {
		if last := bytes.TrimSpace(out[idx+1:]); len(last) > 0 && last[0] == '{' {
			out = last
		}
	}
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// sanitizeID keeps user ids path-safe for output namespacing.
func sanitizeID(id string) string {
	if id == "" {
		return "anonymous"
	}
	safe := make([]rune, 0, len(id))
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			safe = append(safe, c)
		default:
			safe = append(safe, '_')
		}
	}
	return string(safe)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type boundedWriter struct {
	buf *bytes.Buffer
}

func limitWriter(buf *bytes.Buffer) *boundedWriter {
	return &boundedWriter{buf: buf}
}

// Write drops bytes past the cap instead of failing the process.
func (w *boundedWriter) Write(p []byte) (int, error) {
	if remaining := maxRunnerOutput - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

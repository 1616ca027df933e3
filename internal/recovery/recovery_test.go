package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vizier-ai/vizier/internal/log"
	"github.com/vizier-ai/vizier/internal/viz"
)

type fakeModel struct {
	jsonReply string
	err       error
	calls     int
}

func (f *fakeModel) CompleteJSON(_ context.Context, _ string, out any) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.jsonReply), out)
}

func testAgent(t *testing.T, model ModelClient) *Agent {
	t.Helper()
	a, err := New(Config{Model: model, Logger: log.NewNop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func originalRequest() *viz.Request {
	return &viz.Request{
		ChartType: "scatter/volcano",
		Engine:    viz.EngineR,
		Params:    map[string]any{"x": "log2FC", "y": "qvalue", "label": "symbol"},
		Data: []map[string]any{
			{"log2FC": 2.4, "pvalue": 0.001, "symbol": "TP53"},
		},
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	model := &fakeModel{jsonReply: `{
		"category": "missing_column",
		"description": "the y-axis column does not exist in the data",
		"rootCause": "request references qvalue but the data has pvalue",
		"suggestedFixes": ["use pvalue for the y axis"],
		"canAutoFix": true
	}`}
	a := testAgent(t, model)

	analysis, err := a.Analyze(context.Background(),
		map[string]any{"missing_column": "qvalue"},
		map[string]any{"columns": []string{"log2FC", "pvalue", "symbol"}},
		nil, originalRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if analysis.Category != "missing_column" {
		t.Errorf("category = %q", analysis.Category)
	}
	if !analysis.CanAutoFix {
		t.Error("expected auto-fixable analysis")
	}
}

func TestAnalyze_DefaultsEmptyFields(t *testing.T) {
	t.Parallel()

	a := testAgent(t, &fakeModel{jsonReply: `{"canAutoFix": false}`})

	analysis, err := a.Analyze(context.Background(),
		map[string]any{"error": "boom"}, map[string]any{"rows": 1}, nil, originalRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if analysis.Category != "unknown" {
		t.Errorf("category = %q, want unknown", analysis.Category)
	}
	if analysis.Description == "" {
		t.Error("description should be defaulted")
	}
}

func TestAnalyze_ModelFailure(t *testing.T) {
	t.Parallel()

	a := testAgent(t, &fakeModel{err: errors.New("backend down")})

	if _, err := a.Analyze(context.Background(), map[string]any{}, map[string]any{}, nil, originalRequest()); err == nil {
		t.Error("model failure should surface as an error")
	}
}

func TestFix_SubstitutesColumn(t *testing.T) {
	t.Parallel()

	model := &fakeModel{jsonReply: `{
		"request": {
			"chartType": "scatter/volcano",
			"engine": "r",
			"params": {"x": "log2FC", "y": "pvalue", "label": "symbol"},
			"reasoning": "substituted available column"
		},
		"fixesApplied": ["replaced y column qvalue with pvalue"]
	}`}
	a := testAgent(t, model)

	analysis := &ErrorAnalysis{Category: "missing_column", CanAutoFix: true}
	orig := originalRequest()

	fix, err := a.Fix(context.Background(), analysis, orig,
		map[string]any{"columns": []string{"log2FC", "pvalue", "symbol"}})
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if fix == nil {
		t.Fatal("expected a fix")
	}
	if fix.Request.Params["y"] != "pvalue" {
		t.Errorf("y param = %v", fix.Request.Params["y"])
	}
	if len(fix.Request.Data) == 0 {
		t.Error("fix must carry the original dataset forward")
	}
	if orig.Params["y"] != "qvalue" {
		t.Error("original request must not be mutated")
	}
	if len(fix.FixesApplied) != 1 {
		t.Errorf("fixesApplied = %v", fix.FixesApplied)
	}
}

func TestFix_NotAutoFixable(t *testing.T) {
	t.Parallel()

	model := &fakeModel{jsonReply: `{}`}
	a := testAgent(t, model)

	fix, err := a.Fix(context.Background(), &ErrorAnalysis{CanAutoFix: false}, originalRequest(), nil)
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}
	if fix != nil {
		t.Error("non-fixable analysis must yield no fix")
	}
	if model.calls != 0 {
		t.Errorf("model called %d times for a non-fixable analysis", model.calls)
	}
}

func TestFix_InvalidFixRejected(t *testing.T) {
	t.Parallel()

	model := &fakeModel{jsonReply: `{
		"request": {"chartType": "", "engine": "cobol", "params": {}}
	}`}
	a := testAgent(t, model)

	_, err := a.Fix(context.Background(), &ErrorAnalysis{CanAutoFix: true}, originalRequest(), nil)
	if err == nil {
		t.Error("invalid fixed request should be rejected")
	}
}

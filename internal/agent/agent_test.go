package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/vizier-ai/vizier/internal/catalog"
	"github.com/vizier-ai/vizier/internal/conversation"
	"github.com/vizier-ai/vizier/internal/llm"
	"github.com/vizier-ai/vizier/internal/log"
	"github.com/vizier-ai/vizier/internal/viz"
)

// fakeModel replays canned replies.
type fakeModel struct {
	jsonReply string
	textReply string
	deltas    []string
	err       error

	calls int
}

func (f *fakeModel) Complete(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.textReply, f.err
}

func (f *fakeModel) CompleteJSON(_ context.Context, _ string, out any) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.jsonReply), out)
}

func (f *fakeModel) CompleteJSONStream(ctx context.Context, _ string, out any, onDelta llm.DeltaFunc) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	for _, d := range f.deltas {
		if err := onDelta(ctx, d); err != nil {
			return err
		}
	}
	return json.Unmarshal([]byte(f.jsonReply), out)
}

func testAgent(t *testing.T, model ModelClient) *Agent {
	t.Helper()

	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	a, err := New(Config{Model: model, Catalog: cat, Logger: log.NewNop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestProcess_KnowledgeQuestion(t *testing.T) {
	t.Parallel()

	model := &fakeModel{jsonReply: `{
		"message": "A volcano plot shows fold change against statistical significance.",
		"needsInfo": false
	}`}
	a := testAgent(t, model)

	res := a.Process(context.Background(), "what is a volcano plot?", nil)

	if res.NeedsInfo {
		t.Error("knowledge answer should not need more info")
	}
	if res.Request != nil {
		t.Errorf("knowledge answer should not carry a request: %+v", res.Request)
	}
	if res.Message == "" {
		t.Error("message must be non-empty")
	}
}

func TestProcess_VisualizationRequest(t *testing.T) {
	t.Parallel()

	model := &fakeModel{jsonReply: `{
		"message": "Here is your volcano plot.",
		"needsInfo": false,
		"visualizationRequest": {
			"chartType": "scatter/volcano",
			"engine": "R",
			"params": {"x": "log2FC", "y": "qvalue", "label": "symbol"},
			"data": [{"log2FC": 2.4, "qvalue": 0.001, "symbol": "TP53", "group": "up"}],
			"reasoning": "differential expression data fits a volcano plot"
		}
	}`}
	a := testAgent(t, model)

	res := a.Process(context.Background(), "create a volcano plot", nil)

	if res.Request == nil {
		t.Fatal("expected a visualization request")
	}
	if res.Request.ChartType != "scatter/volcano" {
		t.Errorf("chartType = %q", res.Request.ChartType)
	}
	if res.Request.Engine != "r" {
		t.Errorf("engine should be normalized to lowercase, got %q", res.Request.Engine)
	}
	if res.NeedsInfo {
		t.Error("complete request should not need info")
	}
}

func TestProcess_ModelFailureDegradesToApology(t *testing.T) {
	t.Parallel()

	a := testAgent(t, &fakeModel{err: errors.New("backend unavailable")})

	res := a.Process(context.Background(), "plot something", nil)

	if !res.NeedsInfo {
		t.Error("degraded reply must set NeedsInfo")
	}
	if res.Request != nil {
		t.Error("degraded reply must not carry a request")
	}
	if res.Message == "" {
		t.Error("degraded reply must still contain text")
	}
}

func TestProcess_DefaultsMalformedReply(t *testing.T) {
	t.Parallel()

	// Empty message plus a request missing its engine.
	model := &fakeModel{jsonReply: `{
		"message": "  ",
		"visualizationRequest": {"chartType": "scatter/volcano", "params": {}}
	}`}
	a := testAgent(t, model)

	res := a.Process(context.Background(), "plot", nil)

	if res.Message != placeholderMessage {
		t.Errorf("empty message should get placeholder, got %q", res.Message)
	}
	if res.Request != nil {
		t.Error("invalid request should be dropped")
	}
	if !res.NeedsInfo {
		t.Error("dropping the request should flip NeedsInfo")
	}
}

func TestProcessStream_FinalParseIsAuthoritative(t *testing.T) {
	t.Parallel()

	model := &fakeModel{
		deltas: []string{`{"message": "Here `, `is your`, ` plot."`, `, "needsInfo": false}`},
		jsonReply: `{
			"message": "Here is your plot.",
			"needsInfo": false,
			"suggestions": ["add labels"]
		}`,
	}
	a := testAgent(t, model)

	var streamed strings.Builder
	res := a.ProcessStream(context.Background(), "plot", nil, func(_ context.Context, d string) error {
		streamed.WriteString(d)
		return nil
	})

	if streamed.String() != "Here is your plot." {
		t.Errorf("streamed text = %q", streamed.String())
	}
	if len(res.Suggestions) != 1 {
		t.Errorf("final parse should carry suggestions, got %v", res.Suggestions)
	}
}

func TestFormatHistory_Truncation(t *testing.T) {
	t.Parallel()

	var history []conversation.Entry
	for i := 0; i < 15; i++ {
		history = append(history, conversation.Entry{Role: conversation.RoleUser, Content: "m"})
	}
	history = append(history, conversation.Entry{
		Role:    conversation.RoleAssistant,
		Content: strings.Repeat("x", 900),
	})

	out := formatHistory(history)

	if got := strings.Count(out, "\n"); got != maxHistoryEntries {
		t.Errorf("history lines = %d, want %d", got, maxHistoryEntries)
	}
	if !strings.Contains(out, strings.Repeat("x", maxEntryLen)+"...") {
		t.Error("long entries should be clipped")
	}
	if strings.Contains(out, strings.Repeat("x", maxEntryLen+1)) {
		t.Error("clipped entry leaked extra content")
	}
}

func TestClip_RuneBoundary(t *testing.T) {
	t.Parallel()

	// 200 three-byte runes; the byte bound falls mid-rune.
	long := strings.Repeat("研", 200)

	got := clip(long, maxEntryLen)
	if !utf8.ValidString(got) {
		t.Errorf("clip produced invalid UTF-8 near %q", got[len(got)-6:])
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("clipped string should mark truncation")
	}
	if len(got) > maxEntryLen+3 {
		t.Errorf("len = %d, want <= %d", len(got), maxEntryLen+3)
	}

	if short := clip("短い", maxEntryLen); short != "短い" {
		t.Errorf("short string modified: %q", short)
	}
}

func TestGenerateTitle(t *testing.T) {
	t.Parallel()

	a := testAgent(t, &fakeModel{textReply: "\"Gene Expression Volcano Plot\"\nextra line"})

	title, err := a.GenerateTitle(context.Background(), "make a volcano plot of my DE results")
	if err != nil {
		t.Fatalf("GenerateTitle: %v", err)
	}
	if title != "Gene Expression Volcano Plot" {
		t.Errorf("title = %q", title)
	}
}

func TestGenerateTitle_EmptyReply(t *testing.T) {
	t.Parallel()

	a := testAgent(t, &fakeModel{textReply: "  \n"})

	if _, err := a.GenerateTitle(context.Background(), "hello"); err == nil {
		t.Error("empty model reply should be an error")
	}
}

func TestAnalyzeResult(t *testing.T) {
	t.Parallel()

	model := &fakeModel{jsonReply: `{
		"insights": ["TP53 and MYC are strongly upregulated"],
		"recommendations": ["label only significant genes"],
		"followUps": ["run pathway enrichment"]
	}`}
	a := testAgent(t, model)

	req := &viz.Request{
		ChartType: "scatter/volcano",
		Engine:    viz.EngineR,
		Params:    map[string]any{"x": "log2FC", "y": "qvalue"},
		Data:      []map[string]any{{"log2FC": 2.4, "qvalue": 0.001}},
	}
	analysis, err := a.AnalyzeResult(context.Background(), req, "rendered 1 plot")
	if err != nil {
		t.Fatalf("AnalyzeResult: %v", err)
	}
	if len(analysis.Insights) == 0 || len(analysis.Recommendations) == 0 {
		t.Errorf("analysis incomplete: %+v", analysis)
	}
}

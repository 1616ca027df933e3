// Package viz defines the visualization request value object exchanged
// between the conversational agent, the orchestrator, the recovery agent and
// the rendering backend.
//
// A Request is immutable per render attempt: a repair produces a new value
// via Clone so every attempt stays inspectable after the fact.
package viz

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Rendering engine identifiers.
const (
	EngineR      = "r"
	EnginePython = "python"
)

var (
	// ErrMissingChartType indicates a request without a chart type.
	ErrMissingChartType = errors.New("missing chart type")

	// ErrMissingEngine indicates a request without a rendering engine.
	ErrMissingEngine = errors.New("missing rendering engine")

	// ErrUnknownEngine indicates a rendering engine this deployment cannot run.
	ErrUnknownEngine = errors.New("unknown rendering engine")
)

// Request is a structured visualization request.
// Data is an optional inline dataset (row-oriented records); Params carries
// the chart parameters merged over tool defaults at render time.
type Request struct {
	ChartType string           `json:"chartType"`
	Engine    string           `json:"engine"`
	Data      []map[string]any `json:"data,omitempty"`
	Params    map[string]any   `json:"params"`
	Reasoning string           `json:"reasoning"`
}

// Validate checks the request shape. It is applied both to agent output and
// to repaired requests before they are retried.
func (r *Request) Validate() error {
	if r == nil {
		return errors.New("nil visualization request")
	}
	if strings.TrimSpace(r.ChartType) == "" {
		return ErrMissingChartType
	}
	if strings.TrimSpace(r.Engine) == "" {
		return ErrMissingEngine
	}
	switch r.Engine {
	case EngineR, EnginePython:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, r.Engine)
	}
	return nil
}

// Clone returns an independent copy of the request.
// Row maps and the params map are copied one level deep; values inside rows
// are JSON scalars in practice and safe to share.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := &Request{
		ChartType: r.ChartType,
		Engine:    r.Engine,
		Reasoning: r.Reasoning,
		Params:    maps.Clone(r.Params),
	}
	if r.Data != nil {
		cp.Data = make([]map[string]any, len(r.Data))
		for i, row := range r.Data {
			cp.Data[i] = maps.Clone(row)
		}
	}
	return cp
}

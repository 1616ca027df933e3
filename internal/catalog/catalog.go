// Package catalog holds the registry of chart tools the rendering backend
// can execute. The registry is compiled into the binary: tool identifiers,
// target engines, default parameters, per-tool timeouts, and reference
// example datasets used for one-shot example renders.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"
)

//go:embed tools.json
var toolsJSON []byte

// Example is a tool's reference dataset and configuration, rendered when the
// user asks to see what a chart type looks like.
type Example struct {
	Data   []map[string]any `json:"data"`
	Params map[string]any   `json:"params"`
}

// Tool describes one renderable chart type.
type Tool struct {
	ID             string         `json:"id"` // chart type identifier, e.g. "scatter/volcano"
	Name           string         `json:"name"`
	Engine         string         `json:"engine"`
	Description    string         `json:"description"`
	RequiredParams []string       `json:"requiredParams,omitempty"`
	Defaults       map[string]any `json:"defaults,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	Example        *Example       `json:"example,omitempty"`
}

// MergedParams returns user params layered over the tool defaults.
// Neither input map is modified.
func (t Tool) MergedParams(user map[string]any) map[string]any {
	merged := make(map[string]any, len(t.Defaults)+len(user))
	maps.Copy(merged, t.Defaults)
	maps.Copy(merged, user)
	return merged
}

// Timeout returns the tool's render timeout, falling back to def.
func (t Tool) Timeout(def time.Duration) time.Duration {
	if t.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Catalog is an immutable set of tools keyed by chart type identifier.
type Catalog struct {
	tools map[string]Tool
	ids   []string
}

// Load parses the embedded tool registry.
func Load() (*Catalog, error) {
	var tools []Tool
	if err := json.Unmarshal(toolsJSON, &tools); err != nil {
		return nil, fmt.Errorf("parsing embedded tool registry: %w", err)
	}

	c := &Catalog{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t.ID == "" || t.Engine == "" {
			return nil, fmt.Errorf("tool registry entry missing id or engine: %+v", t)
		}
		if _, dup := c.tools[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tool id %q", t.ID)
		}
		c.tools[t.ID] = t
		c.ids = append(c.ids, t.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

// Tool looks up a tool by chart type identifier.
func (c *Catalog) Tool(id string) (Tool, bool) {
	t, ok := c.tools[id]
	return t, ok
}

// Tools returns all tools in stable (id-sorted) order.
func (c *Catalog) Tools() []Tool {
	out := make([]Tool, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.tools[id])
	}
	return out
}

// PromptDescription renders the catalog as prompt text for the
// conversational agent, one line per tool.
func (c *Catalog) PromptDescription() string {
	var b strings.Builder
	b.WriteString("Available chart tools:\n")
	for _, t := range c.Tools() {
		fmt.Fprintf(&b, "- %s (engine: %s): %s", t.ID, t.Engine, t.Description)
		if len(t.RequiredParams) > 0 {
			fmt.Fprintf(&b, " Required params: %s.", strings.Join(t.RequiredParams, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

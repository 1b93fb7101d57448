// Demo tool registry: a fixed, in-memory ensemble.ToolFunction set handed
// to every agent the CLI runs. A plain name-keyed map is enough since the
// demo never registers tools dynamically.
package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/just-every/ensemble/internal/summarystore"
	"github.com/just-every/ensemble/pkg/ensemble"
)

// ToolRegistry implements toolexec.Registry over a fixed tool set shared by
// every agent the demo runs.
type ToolRegistry struct {
	tools map[string]ensemble.ToolFunction
}

// NewToolRegistry builds the demo's tool set: "add"
// and "current_time", both plain arithmetic/clock reads with no external
// side effects, plus store's read_source/write_source pair.
func NewToolRegistry(store *summarystore.Store) *ToolRegistry {
	tools := map[string]ensemble.ToolFunction{
		"add": {
			Definition: ensemble.ToolDefinition{
				Name:        "add",
				Description: "Add two numbers and return their sum.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"x": {"type": "number"},
						"y": {"type": "number"}
					},
					"required": ["x", "y"]
				}`),
			},
			Function: func(_ ensemble.AgentContext, args map[string]any) (any, error) {
				x, err := numberArg(args, "x")
				if err != nil {
					return nil, err
				}
				y, err := numberArg(args, "y")
				if err != nil {
					return nil, err
				}
				return x + y, nil
			},
			AllowSummary: true,
		},
		"current_time": {
			Definition: ensemble.ToolDefinition{
				Name:        "current_time",
				Description: "Return the current wall-clock time in RFC3339.",
				Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			},
			Function: func(_ ensemble.AgentContext, _ map[string]any) (any, error) {
				return time.Now().Format(time.RFC3339), nil
			},
			AllowSummary:      false,
			SkipSummarization: true,
		},
	}
	if store != nil {
		for _, t := range store.Tools() {
			tools[t.Definition.Name] = t
		}
	}
	return &ToolRegistry{tools: tools}
}

// Lookup implements toolexec.Registry.
func (r *ToolRegistry) Lookup(_ string, name string) (ensemble.ToolFunction, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// HasStatusTrackingTool implements toolexec.Registry. The demo never wires
// the status-tracking tools, so background promotion is never offered.
func (r *ToolRegistry) HasStatusTrackingTool(_ string) bool {
	return false
}

func numberArg(args map[string]any, name string) (float64, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("add: missing argument %q", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("add: argument %q is not a number", name)
	}
}

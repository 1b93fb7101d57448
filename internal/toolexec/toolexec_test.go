package toolexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/just-every/ensemble/internal/runningtools"
	"github.com/just-every/ensemble/internal/sequentialqueue"
	"github.com/just-every/ensemble/pkg/ensemble"
)

type memRegistry struct {
	tools  map[string]ensemble.ToolFunction
	status bool
}

func (r *memRegistry) Lookup(agentID, name string) (ensemble.ToolFunction, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *memRegistry) HasStatusTrackingTool(agentID string) bool { return r.status }

func newManager(tools map[string]ensemble.ToolFunction, status bool) *Manager {
	reg := &memRegistry{tools: tools, status: status}
	return New(reg, runningtools.New(), sequentialqueue.New(), nil, nil)
}

func callFor(name, args string) ensemble.ToolCall {
	c := ensemble.ToolCall{ID: "id1", CallID: "call1"}
	c.Function.Name = name
	c.Function.Arguments = args
	return c
}

func TestExecuteBindsObjectArguments(t *testing.T) {
	var gotX, gotY float64
	tools := map[string]ensemble.ToolFunction{
		"add": {
			Definition: ensemble.ToolDefinition{Name: "add"},
			Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
				gotX, _ = args["x"].(float64)
				gotY, _ = args["y"].(float64)
				return gotX + gotY, nil
			},
		},
	}
	m := newManager(tools, false)
	result := m.Execute(context.Background(), "agent-1", callFor("add", `{"x":2,"y":3}`), ensemble.Hooks{})
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Output != "5" {
		t.Fatalf("output = %q, want 5", result.Output)
	}
}

func TestExecuteBindsArrayArguments(t *testing.T) {
	var captured []any
	tools := map[string]ensemble.ToolFunction{
		"f": {
			Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
				captured = args["args"].([]any)
				return nil, nil
			},
		},
	}
	m := newManager(tools, false)
	result := m.Execute(context.Background(), "agent-1", callFor("f", `[1,2,3]`), ensemble.Hooks{})
	if result.Output != "" {
		t.Fatalf("output = %q, want empty", result.Output)
	}
	if len(captured) != 3 {
		t.Fatalf("captured = %v, want 3 elements", captured)
	}
}

func TestInjectAgentID(t *testing.T) {
	var gotAgentID any
	tools := map[string]ensemble.ToolFunction{
		"f": {
			InjectAgentID: true,
			Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
				gotAgentID = args["agent_id"]
				return "ok", nil
			},
		},
	}
	m := newManager(tools, false)
	m.Execute(context.Background(), "agent-42", callFor("f", `{}`), ensemble.Hooks{})
	if gotAgentID != "agent-42" {
		t.Fatalf("agent_id = %v, want agent-42", gotAgentID)
	}
}

func TestToolNotFoundProducesError(t *testing.T) {
	m := newManager(map[string]ensemble.ToolFunction{}, false)
	result := m.Execute(context.Background(), "agent-1", callFor("missing", `{}`), ensemble.Hooks{})
	if result.Error == "" {
		t.Fatal("expected error for missing tool")
	}
}

func TestOnToolCallSkip(t *testing.T) {
	called := false
	tools := map[string]ensemble.ToolFunction{
		"f": {Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
			called = true
			return "ok", nil
		}},
	}
	m := newManager(tools, false)
	hooks := ensemble.Hooks{OnToolCall: func(agentID string, call ensemble.ToolCall) ensemble.ToolCallHookAction {
		return ensemble.ToolCallSkip
	}}
	result := m.Execute(context.Background(), "agent-1", callFor("f", `{}`), hooks)
	if called {
		t.Fatal("expected tool function not to run when skipped")
	}
	if result.Output != "Tool skipped by policy" {
		t.Fatalf("output = %q", result.Output)
	}
}

func TestOnToolErrorSubstitute(t *testing.T) {
	tools := map[string]ensemble.ToolFunction{
		"f": {Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
			return nil, errors.New("boom")
		}},
	}
	m := newManager(tools, false)
	hooks := ensemble.Hooks{OnToolError: func(agentID string, call ensemble.ToolCall, err error) (string, bool) {
		return "substituted", true
	}}
	result := m.Execute(context.Background(), "agent-1", callFor("f", `{}`), hooks)
	if result.Output != "substituted" {
		t.Fatalf("output = %q, want substituted", result.Output)
	}
	if result.Error != "" {
		t.Fatalf("expected no error field when substituted")
	}
}

func TestErrorResultShaping(t *testing.T) {
	tools := map[string]ensemble.ToolFunction{
		"f": {Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
			return nil, errors.New("bad input")
		}},
	}
	m := newManager(tools, false)
	result := m.Execute(context.Background(), "agent-1", callFor("f", `{}`), ensemble.Hooks{})
	if result.Error == "" {
		t.Fatal("expected error")
	}
}

func TestResultShapingJSONObject(t *testing.T) {
	tools := map[string]ensemble.ToolFunction{
		"f": {Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
			return map[string]any{"a": 1}, nil
		}},
	}
	m := newManager(tools, false)
	result := m.Execute(context.Background(), "agent-1", callFor("f", `{}`), ensemble.Hooks{})
	if result.Output != "{\n  \"a\": 1\n}" {
		t.Fatalf("output = %q", result.Output)
	}
}

func TestPanicRecovered(t *testing.T) {
	tools := map[string]ensemble.ToolFunction{
		"f": {Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
			panic("kaboom")
		}},
	}
	m := newManager(tools, false)
	result := m.Execute(context.Background(), "agent-1", callFor("f", `{}`), ensemble.Hooks{})
	if result.Error == "" {
		t.Fatal("expected error result from recovered panic")
	}
}

func TestExcludedFromTimeoutToolsAreExempt(t *testing.T) {
	if !ExcludedFromTimeout["execute_code"] {
		t.Fatal("expected execute_code to be exempt from timeout")
	}
}

func TestTimeoutPromotesToBackgroundWithStatusTracking(t *testing.T) {
	release := make(chan struct{})
	tools := map[string]ensemble.ToolFunction{
		"slow": {Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
			<-release
			return "finally done", nil
		}},
	}
	reg := &memRegistry{tools: tools, status: true}
	running := runningtools.New()
	m := New(reg, running, sequentialqueue.New(), nil, nil)
	m.timeout = 20 * time.Millisecond

	result := m.Execute(context.Background(), "agent-1", callFor("slow", `{}`), ensemble.Hooks{})
	if result.Error != "" {
		t.Fatalf("expected promotion, got error %q", result.Error)
	}
	want := "Tool slow is running in the background (RunningTool: call1)."
	if result.Output != want {
		t.Fatalf("output = %q, want %q", result.Output, want)
	}

	rt, ok := running.GetRunningTool("call1")
	if !ok || rt.Status != ensemble.RunningToolRunning {
		t.Fatalf("running tool = %+v (ok=%v), want tracked as running", rt, ok)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		rt, ok := running.GetRunningTool("call1")
		if ok && rt.Status == ensemble.RunningToolCompleted {
			if rt.Result != "finally done" {
				t.Fatalf("background result = %q, want %q", rt.Result, "finally done")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("running tool = %+v, never reached completed", rt)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimeoutWithoutStatusTrackingIsHardError(t *testing.T) {
	tools := map[string]ensemble.ToolFunction{
		"slow": {Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
			time.Sleep(time.Second)
			return "late", nil
		}},
	}
	reg := &memRegistry{tools: tools, status: false}
	m := New(reg, runningtools.New(), sequentialqueue.New(), nil, nil)
	m.timeout = 20 * time.Millisecond

	result := m.Execute(context.Background(), "agent-1", callFor("slow", `{}`), ensemble.Hooks{})
	if result.Error == "" {
		t.Fatal("expected a timeout error when no status-tracking tool is available")
	}
}

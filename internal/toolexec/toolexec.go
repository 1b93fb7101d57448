// Package toolexec is the Tool Execution Manager ([D] in the module map):
// it binds a ToolCall's JSON arguments onto a ToolFunction, enforces the
// timeout/background-promotion policy, runs lifecycle hooks, and shapes the
// function's return value into the string a provider sees as a
// function_call_output.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/just-every/ensemble/internal/runningtools"
	"github.com/just-every/ensemble/internal/sequentialqueue"
	"github.com/just-every/ensemble/internal/telemetry"
	"github.com/just-every/ensemble/pkg/ensemble"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FunctionTimeout is the default wall-clock budget for a tool call.
const FunctionTimeout = 30 * time.Second

// MaxResultLength is the fallback truncation length for tool output; a
// ToolFunction may override it per-tool.
const MaxResultLength = 5000

// ExcludedFromTimeout lists tool names exempt from FunctionTimeout.
var ExcludedFromTimeout = map[string]bool{
	"wait_for_running_tool":         true,
	"run_shell_command_with_output": true,
	"execute_code":                  true,
	"debug_code":                    true,
	"test_code":                     true,
}

// StatusTrackingTools lists tool names that, when present in an agent's
// tool set, enable background promotion on timeout.
var StatusTrackingTools = map[string]bool{
	"get_running_tools":     true,
	"wait_for_running_tool": true,
	"get_tool_status":       true,
}

// SkipSummarizationTools lists tool names whose output is truncated but
// never summarized during compaction.
var SkipSummarizationTools = map[string]bool{
	"read_source":      true,
	"get_page_content": true,
	"read_file":        true,
	"list_files":       true,
}

// Registry resolves a ToolFunction by name for a given agent. Agents own
// their own tool set; the manager asks the
// registry rather than holding a process-wide map.
type Registry interface {
	Lookup(agentID, name string) (ensemble.ToolFunction, bool)
	// HasStatusTrackingTool reports whether the agent's tool set includes
	// any of StatusTrackingTools, gating background promotion.
	HasStatusTrackingTool(agentID string) bool
}

// Metrics is a point-in-time execution health snapshot for callers that
// want to inspect executor health without scraping Prometheus.
type Metrics struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
	TotalBackground int64
	TotalSkipped    int64
}

// Manager is the ToolExecutionManager.
type Manager struct {
	registry Registry
	running  *runningtools.Tracker
	queue    *sequentialqueue.Queue
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	timeout  time.Duration

	execs, retries, fails, timeouts, panics, background, skipped atomic.Int64

	mu      sync.Mutex
	schemas sync.Map // tool name -> *jsonschema.Schema
}

// New builds a Manager wired to the given Registry and shared
// RunningToolTracker/SequentialQueue. metrics may be nil, in which case no
// Prometheus series are emitted.
func New(registry Registry, running *runningtools.Tracker, queue *sequentialqueue.Queue, logger *slog.Logger, metrics *telemetry.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{registry: registry, running: running, queue: queue, logger: logger, metrics: metrics, timeout: FunctionTimeout}
}

// Metrics returns a snapshot of cumulative execution counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		TotalExecutions: m.execs.Load(),
		TotalRetries:    m.retries.Load(),
		TotalFailures:   m.fails.Load(),
		TotalTimeouts:   m.timeouts.Load(),
		TotalPanics:     m.panics.Load(),
		TotalBackground: m.background.Load(),
		TotalSkipped:    m.skipped.Load(),
	}
}

// Execute dispatches a single ToolCall for agentID: binds arguments,
// applies timeout/background-promotion/sequential-discipline policy, runs
// lifecycle hooks, and shapes the result into a ToolCallResult.
func (m *Manager) Execute(ctx context.Context, agentID string, call ensemble.ToolCall, hooks ensemble.Hooks) ensemble.ToolCallResult {
	m.execs.Add(1)

	if hooks.OnToolCall != nil {
		if action := m.safeOnToolCall(hooks, agentID, call); action == ensemble.ToolCallSkip {
			m.skipped.Add(1)
			m.metrics.ToolExecution(call.Function.Name, "skipped")
			return ensemble.ToolCallResult{ToolCall: call, Output: "Tool skipped by policy", ID: call.ID, CallID: call.CallID}
		}
	}

	tool, ok := m.registry.Lookup(agentID, call.Function.Name)
	if !ok {
		err := fmt.Errorf("tool not found: %s", call.Function.Name)
		return m.finish(agentID, call, "", err, hooks)
	}

	args, bindErr := bindArguments(call.Function.Arguments, tool)
	if bindErr != nil {
		return m.finish(agentID, call, "", bindErr, hooks)
	}
	if validateErr := m.validateArgs(tool, args); validateErr != nil {
		return m.finish(agentID, call, "", validateErr, hooks)
	}
	if tool.InjectAgentID {
		args = injectAgentID(args, agentID)
	}

	runFn := func(ctx context.Context) (string, error) {
		return m.runWithTimeout(ctx, agentID, call, tool, args)
	}

	var output string
	var err error
	if tool.Category == "control" {
		output, err = sequentialqueue.RunSequential(ctx, m.queue, agentID, runFn)
	} else {
		output, err = runFn(ctx)
	}

	return m.finish(agentID, call, output, err, hooks)
}

func (m *Manager) safeOnToolCall(hooks ensemble.Hooks, agentID string, call ensemble.ToolCall) (action ensemble.ToolCallHookAction) {
	action = ensemble.ToolCallProceed
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("onToolCall hook panicked", "panic", r)
			action = ensemble.ToolCallProceed
		}
	}()
	return hooks.OnToolCall(agentID, call)
}

// invokeOutcome is a bound tool invocation's eventual (output, err) pair,
// delivered over a channel so runWithTimeout can race it against the
// timeout deadline.
type invokeOutcome struct {
	output string
	err    error
}

// runWithTimeout executes the bound tool function, applying the timeout
// policy and background promotion.
func (m *Manager) runWithTimeout(ctx context.Context, agentID string, call ensemble.ToolCall, tool ensemble.ToolFunction, args map[string]any) (string, error) {
	if ExcludedFromTimeout[call.Function.Name] {
		return m.invoke(ctx, agentID, call, tool, args)
	}

	timeout := m.timeout
	if timeout <= 0 {
		timeout = FunctionTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan invokeOutcome, 1)
	go func() {
		out, err := m.invoke(execCtx, agentID, call, tool, args)
		resultCh <- invokeOutcome{out, err}
	}()

	select {
	case r := <-resultCh:
		return r.output, r.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.timeouts.Add(1)
		if !m.registry.HasStatusTrackingTool(agentID) {
			// No status-tracking tools available: the caller has no way to
			// retrieve a background result, so this is a hard timeout.
			return "", fmt.Errorf("tool execution timed out after %s", timeout)
		}
		return m.promoteToBackground(agentID, call, args, resultCh)
	}
}

// promoteToBackground registers the still-running call with the
// RunningToolTracker and returns the pointer string the caller sees; the
// underlying goroutine keeps running and reports its eventual result to the
// tracker.
func (m *Manager) promoteToBackground(agentID string, call ensemble.ToolCall, args map[string]any, resultCh <-chan invokeOutcome) (string, error) {
	id := call.CallID
	if id == "" {
		id = call.ID
	}
	m.background.Add(1)
	m.running.AddRunningTool(context.Background(), id, call.Function.Name, agentID, args)

	go func() {
		r := <-resultCh
		if r.err != nil {
			m.running.FailRunningTool(id, r.err)
		} else {
			m.running.CompleteRunningTool(id, r.output)
		}
	}()

	return fmt.Sprintf("Tool %s is running in the background (RunningTool: %s).", call.Function.Name, id), nil
}

// invoke calls the bound ToolFunc directly, turning a panic into an error
// rather than letting it take down the round.
func (m *Manager) invoke(ctx context.Context, agentID string, call ensemble.ToolCall, tool ensemble.ToolFunction, args map[string]any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			stack := debug.Stack()
			err = fmt.Errorf("panic: %v\n%s", r, stack)
		}
	}()

	result, callErr := tool.Function(ensemble.AgentContext{AgentID: agentID}, args)
	if callErr != nil {
		return "", callErr
	}
	return shapeResult(result, tool.MaxLength), nil
}

// finish applies onToolResult/onToolError hooks and assembles the final
// ToolCallResult, and reports the ensemble_tool_executions_total series.
func (m *Manager) finish(agentID string, call ensemble.ToolCall, output string, err error, hooks ensemble.Hooks) ensemble.ToolCallResult {
	result := ensemble.ToolCallResult{ToolCall: call, ID: call.ID, CallID: call.CallID}

	if err != nil {
		m.fails.Add(1)
		m.metrics.ToolExecution(call.Function.Name, "error")
		substitute, handled := m.safeOnToolError(hooks, agentID, call, err)
		if handled {
			result.Output = substitute
			return result
		}
		result.Error = fmt.Sprintf("%s: %s", errorTypeName(err), err.Error())
		result.Output = result.Error
		return result
	}

	m.metrics.ToolExecution(call.Function.Name, "success")
	result.Output = output
	m.safeOnToolResult(hooks, agentID, call, result)
	return result
}

// validateArgs validates the bound tool arguments against the tool's
// declared JSON schema before dispatch.
// A tool with no Parameters schema, or a schema that fails to compile, is
// passed through unchecked rather than rejected.
func (m *Manager) validateArgs(tool ensemble.ToolFunction, args map[string]any) error {
	if len(tool.Definition.Parameters) == 0 {
		return nil
	}

	schema, err := m.compiledSchema(tool.Definition.Name, tool.Definition.Parameters)
	if err != nil {
		m.logger.Warn("tool parameter schema failed to compile; skipping validation",
			"tool", tool.Definition.Name, "error", err)
		return nil
	}

	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", tool.Definition.Name, err)
	}
	return nil
}

// compiledSchema compiles (and caches) a tool's parameter schema so a hot
// tool isn't recompiled every round.
func (m *Manager) compiledSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := m.schemas.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}

	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	m.schemas.Store(name, schema)
	return schema, nil
}

func errorTypeName(err error) string {
	if pe, ok := ensemble.GetProviderError(err); ok {
		return string(pe.Reason)
	}
	return "Error"
}

func (m *Manager) safeOnToolError(hooks ensemble.Hooks, agentID string, call ensemble.ToolCall, err error) (substitute string, ok bool) {
	if hooks.OnToolError == nil {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("onToolError hook panicked", "panic", r)
			substitute, ok = "", false
		}
	}()
	return hooks.OnToolError(agentID, call, err)
}

func (m *Manager) safeOnToolResult(hooks ensemble.Hooks, agentID string, call ensemble.ToolCall, result ensemble.ToolCallResult) {
	if hooks.OnToolResult == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("onToolResult hook panicked", "panic", r)
		}
	}()
	hooks.OnToolResult(agentID, call, result)
}

// bindArguments parses a ToolCall's arguments JSON and binds it onto the
// tool's parameter set. Two shapes are accepted: a JSON object (bound by
// name, unknown keys dropped with a warning) or a JSON array (passed
// through as a single positional slot named "args").
func bindArguments(raw string, tool ensemble.ToolFunction) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	var asObject map[string]any
	if err := json.Unmarshal([]byte(raw), &asObject); err == nil {
		var schema struct {
			Properties map[string]json.RawMessage `json:"properties"`
		}
		if json.Unmarshal(tool.Definition.Parameters, &schema) == nil && schema.Properties != nil {
			for key := range asObject {
				if _, known := schema.Properties[key]; !known {
					slog.Warn("dropping unknown tool argument", "tool", tool.Definition.Name, "argument", key)
					delete(asObject, key)
				}
			}
		}
		return asObject, nil
	}

	var asArray []any
	if err := json.Unmarshal([]byte(raw), &asArray); err == nil {
		return map[string]any{"args": asArray}, nil
	}

	return nil, fmt.Errorf("invalid tool arguments for %s: not a JSON object or array", tool.Definition.Name)
}

// injectAgentID adds agent_id to the bound argument set. The set is a map
// keyed by name, so agent_id has no positional (first) slot.
func injectAgentID(args map[string]any, agentID string) map[string]any {
	out := make(map[string]any, len(args)+1)
	out["agent_id"] = agentID
	for k, v := range args {
		out[k] = v
	}
	return out
}

// shapeResult converts a ToolFunc's return value into the string a
// provider sees as function_call_output: nil/empty -> "", string passes
// through, everything else is
// JSON-marshaled with 2-space indent (falling back to fmt.Sprintf on
// marshal failure, e.g. circular references).
func shapeResult(value any, maxLength int) string {
	var out string
	switch v := value.(type) {
	case nil:
		out = ""
	case string:
		out = v
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			out = fmt.Sprintf("%v", v)
		} else {
			out = string(data)
		}
	}

	limit := maxLength
	if limit <= 0 {
		limit = MaxResultLength
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

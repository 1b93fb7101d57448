package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/just-every/ensemble/internal/history"
	"github.com/just-every/ensemble/internal/provideradapter"
	"github.com/just-every/ensemble/internal/runningtools"
	"github.com/just-every/ensemble/internal/sequentialqueue"
	"github.com/just-every/ensemble/internal/toolexec"
	"github.com/just-every/ensemble/pkg/ensemble"
)

// fixedSelector always resolves to the same model, bypassing modelselect
// entirely so orchestrator tests don't need a real catalog.
type fixedSelector struct {
	model string
}

func (s fixedSelector) Select(ensemble.AgentDefinition) (SelectResult, error) {
	return SelectResult{Model: s.model}, nil
}

// fixedResolver hands back the same adapter for every model.
type fixedResolver struct {
	adapter provideradapter.Adapter
}

func (r fixedResolver) AdapterFor(string) (provideradapter.Adapter, error) {
	return r.adapter, nil
}

// fakeRegistry implements toolexec.Registry over a plain map.
type fakeRegistry struct {
	tools map[string]ensemble.ToolFunction
}

func (r *fakeRegistry) Lookup(agentID, name string) (ensemble.ToolFunction, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *fakeRegistry) HasStatusTrackingTool(agentID string) bool { return false }

func newManager(reg *fakeRegistry) (*toolexec.Manager, *runningtools.Tracker, *sequentialqueue.Queue) {
	running := runningtools.New()
	queue := sequentialqueue.New()
	return toolexec.New(reg, running, queue, nil, nil), running, queue
}

func newHist() *history.History {
	return history.New("test-model", 0, nil)
}

func drainEvents(ch <-chan ensemble.Event) []ensemble.Event {
	var out []ensemble.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestRunSimpleCompletionNoTools(t *testing.T) {
	provider := &provideradapter.TestProvider{FixedResponse: "hello there"}
	reg := &fakeRegistry{tools: map[string]ensemble.ToolFunction{}}
	mgr, running, queue := newManager(reg)

	o := New(fixedSelector{model: "test-model"}, fixedResolver{adapter: provider}, mgr, running, queue, nil, nil, nil)

	hist := newHist()
	if err := hist.Add(context.Background(), ensemble.NewUserMessage("hi")); err != nil {
		t.Fatal(err)
	}

	agent := ensemble.DefaultAgentDefinition("a1", "tester")
	agent.Model = "test-model"

	ch, err := o.Run(context.Background(), Request{RequestID: "r1", Agent: agent, History: hist})
	if err != nil {
		t.Fatal(err)
	}
	events := drainEvents(ch)

	var sawComplete, sawStreamEnd bool
	for _, ev := range events {
		if ev.RequestID != "r1" {
			t.Fatalf("event %+v missing request id tag", ev)
		}
		if ev.Type == ensemble.EventMessageComplete && ev.Content == "hello there" {
			sawComplete = true
		}
		if ev.Type == ensemble.EventStreamEnd {
			sawStreamEnd = true
		}
	}
	if !sawComplete {
		t.Fatal("expected a message_complete event with the fixed response")
	}
	if !sawStreamEnd {
		t.Fatal("expected the event stream to end with stream_end")
	}
	if hist.Len() != 2 {
		t.Fatalf("history len = %d, want 2 (user + assistant)", hist.Len())
	}
}

func TestRunExecutesToolAndLoopsToSecondRound(t *testing.T) {
	calls := 0
	reg := &fakeRegistry{tools: map[string]ensemble.ToolFunction{
		"search": {
			Definition: ensemble.ToolDefinition{Name: "search"},
			Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
				calls++
				return "3 results", nil
			},
		},
	}}
	mgr, running, queue := newManager(reg)

	// First round: provider simulates a tool call. Second round onward: a
	// TestProvider can only be configured for one behavior at a time, so we
	// swap it out via a resolver that returns a fixed-response provider once
	// the tool has run.
	toolProvider := &provideradapter.TestProvider{SimulateToolCall: true, ToolName: "search", ToolArguments: `{"q":"go"}`}
	finalProvider := &provideradapter.TestProvider{FixedResponse: "done"}
	resolver := &roundAwareResolver{providers: []provideradapter.Adapter{toolProvider, finalProvider}}

	o := New(fixedSelector{model: "test-model"}, resolver, mgr, running, queue, nil, nil, nil)

	hist := newHist()
	if err := hist.Add(context.Background(), ensemble.NewUserMessage("search for go")); err != nil {
		t.Fatal(err)
	}

	agent := ensemble.DefaultAgentDefinition("a1", "tester")
	agent.Model = "test-model"

	ch, err := o.Run(context.Background(), Request{RequestID: "r2", Agent: agent, History: hist})
	if err != nil {
		t.Fatal(err)
	}
	events := drainEvents(ch)

	var sawToolStart, sawToolDone bool
	for _, ev := range events {
		if ev.Type == ensemble.EventToolStart {
			sawToolStart = true
		}
		if ev.Type == ensemble.EventToolDone {
			sawToolDone = true
			if ev.ToolResult == nil || ev.ToolResult.Output != "3 results" {
				t.Fatalf("tool_done result = %+v, want 3 results", ev.ToolResult)
			}
		}
	}
	if !sawToolStart || !sawToolDone {
		t.Fatal("expected tool_start and tool_done events")
	}
	if calls != 1 {
		t.Fatalf("tool invoked %d times, want 1", calls)
	}
}

// roundAwareResolver returns providers[i] on the i-th AdapterFor call,
// clamped to the last entry once exhausted — letting a test script a
// multi-round conversation without a stateful fake LLM.
type roundAwareResolver struct {
	providers []provideradapter.Adapter
	calls     int
}

func (r *roundAwareResolver) AdapterFor(string) (provideradapter.Adapter, error) {
	i := r.calls
	if i >= len(r.providers) {
		i = len(r.providers) - 1
	}
	r.calls++
	return r.providers[i], nil
}

func TestRunHaltsOnTaskComplete(t *testing.T) {
	reg := &fakeRegistry{tools: map[string]ensemble.ToolFunction{
		"task_complete": {
			Definition: ensemble.ToolDefinition{Name: "task_complete"},
			Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
				return "all done", nil
			},
		},
	}}
	mgr, running, queue := newManager(reg)
	provider := &provideradapter.TestProvider{SimulateToolCall: true, ToolName: "task_complete", ToolArguments: `{}`}

	o := New(fixedSelector{model: "test-model"}, fixedResolver{adapter: provider}, mgr, running, queue, nil, nil, nil)

	hist := newHist()
	if err := hist.Add(context.Background(), ensemble.NewUserMessage("finish the job")); err != nil {
		t.Fatal(err)
	}

	agent := ensemble.DefaultAgentDefinition("a1", "tester")
	agent.Model = "test-model"

	ch, err := o.Run(context.Background(), Request{RequestID: "r3", Agent: agent, History: hist})
	if err != nil {
		t.Fatal(err)
	}
	events := drainEvents(ch)

	var halted bool
	for _, ev := range events {
		if ev.Type == ensemble.EventToolDone && ev.ToolCall != nil && ev.ToolCall.Function.Name == "task_complete" {
			halted = true
		}
	}
	if !halted {
		t.Fatal("expected a tool_done for task_complete")
	}
	// No function_call_output should have been appended for the halting
	// tool call: history only has the initial user message and the
	// synthetic assistant message, not a trailing pair.
	for _, m := range hist.Messages() {
		if m.Kind == ensemble.KindFunctionCallOutput {
			t.Fatal("did not expect a function_call_output appended for a halting tool call")
		}
	}
}

func TestRunRespectsMaxToolCallsLimit(t *testing.T) {
	calls := 0
	reg := &fakeRegistry{tools: map[string]ensemble.ToolFunction{
		"noop": {
			Definition: ensemble.ToolDefinition{Name: "noop"},
			Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
				calls++
				return "ok", nil
			},
		},
	}}
	mgr, running, queue := newManager(reg)
	// Every round simulates the same tool call; eventually the round-limit
	// and tool-call-limit kick in and the loop must terminate.
	provider := &provideradapter.TestProvider{SimulateToolCall: true, ToolName: "noop", ToolArguments: `{}`}

	o := New(fixedSelector{model: "test-model"}, fixedResolver{adapter: provider}, mgr, running, queue, nil, nil, nil)

	hist := newHist()
	if err := hist.Add(context.Background(), ensemble.NewUserMessage("go")); err != nil {
		t.Fatal(err)
	}

	agent := ensemble.DefaultAgentDefinition("a1", "tester")
	agent.Model = "test-model"
	agent.MaxToolCalls = 2
	agent.MaxToolCallRoundsPerTurn = 5

	done := make(chan struct{})
	var events []ensemble.Event
	go func() {
		ch, err := o.Run(context.Background(), Request{RequestID: "r4", Agent: agent, History: hist})
		if err != nil {
			t.Error(err)
			close(done)
			return
		}
		events = drainEvents(ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not terminate within the tool-call/round limits")
	}

	if calls > 2 {
		t.Fatalf("tool invoked %d times, want at most 2 (MaxToolCalls)", calls)
	}

	var sawLimitMessage bool
	for _, ev := range events {
		if ev.Type == ensemble.EventMessageDelta &&
			(ev.Content == "Total tool calls limit reached" || ev.Content == "Tool call rounds limit reached") {
			sawLimitMessage = true
		}
	}
	if !sawLimitMessage {
		t.Fatal("expected a limit-reached message once MaxToolCalls/MaxToolCallRoundsPerTurn was hit")
	}
}

func TestRunWithVerifierRetriesOnFailVerdict(t *testing.T) {
	reg := &fakeRegistry{tools: map[string]ensemble.ToolFunction{}}
	mgr, running, queue := newManager(reg)

	mainProvider := &provideradapter.TestProvider{FixedResponse: "draft answer"}
	failVerdict := &provideradapter.TestProvider{FixedResponse: `{"status":"fail","reason":"too short"}`}
	passVerdict := &provideradapter.TestProvider{FixedResponse: `{"status":"pass"}`}

	// Sequence of AdapterFor calls across the whole run: main round 1,
	// verifier attempt 1 (fail), main round 2 (retry), verifier attempt 2
	// (pass).
	resolver := &roundAwareResolver{providers: []provideradapter.Adapter{
		mainProvider, failVerdict, mainProvider, passVerdict,
	}}

	o := New(fixedSelector{model: "test-model"}, resolver, mgr, running, queue, nil, nil, nil)

	hist := newHist()
	if err := hist.Add(context.Background(), ensemble.NewUserMessage("answer this")); err != nil {
		t.Fatal(err)
	}

	agent := ensemble.DefaultAgentDefinition("a1", "tester")
	agent.Model = "test-model"
	verifier := ensemble.DefaultAgentDefinition("a1-verifier", "verifier")
	verifier.Model = "test-model"
	agent.Verifier = &verifier
	agent.MaxVerificationAttempts = 2

	ch, err := o.Run(context.Background(), Request{RequestID: "r5", Agent: agent, History: hist})
	if err != nil {
		t.Fatal(err)
	}
	events := drainEvents(ch)

	var sawFailureNotice, sawStreamEnd bool
	for _, ev := range events {
		if ev.Type == ensemble.EventMessageDelta && ev.Content == "Verification failed: too short" {
			sawFailureNotice = true
		}
		if ev.Type == ensemble.EventStreamEnd {
			sawStreamEnd = true
		}
	}
	if !sawFailureNotice {
		t.Fatal("expected a verification-failed notice after the first verdict")
	}
	if !sawStreamEnd {
		t.Fatal("expected the run to still terminate with stream_end")
	}
}

func TestRunCancellationAbortsRunningTools(t *testing.T) {
	reg := &fakeRegistry{tools: map[string]ensemble.ToolFunction{}}
	mgr, running, queue := newManager(reg)
	// A provider slow enough that cancellation lands mid-round.
	provider := &provideradapter.TestProvider{FixedResponse: "x", StreamingDelay: 200 * time.Millisecond}

	// Simulate a background-promoted tool already tracked for this agent
	// from an earlier round (internal/toolexec only registers with the
	// tracker once a tool is promoted to background; this stands in for
	// that case without needing a real 30s timeout in the test).
	bgCtx, abort := running.AddRunningTool(context.Background(), "bg-1", "slow_tool", "a1", nil)
	_ = bgCtx
	_ = abort

	o := New(fixedSelector{model: "test-model"}, fixedResolver{adapter: provider}, mgr, running, queue, nil, nil, nil)

	hist := newHist()
	if err := hist.Add(context.Background(), ensemble.NewUserMessage("go slow")); err != nil {
		t.Fatal(err)
	}

	agent := ensemble.DefaultAgentDefinition("a1", "tester")
	agent.Model = "test-model"

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.Run(ctx, Request{RequestID: "r6", Agent: agent, History: hist})
	if err != nil {
		t.Fatal(err)
	}

	cancel()
	for range ch {
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rt, ok := running.GetRunningTool("bg-1")
		if ok && rt.Status == ensemble.RunningToolAborted {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("running tool = %+v (ok=%v), want status aborted", rt, ok)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// flakyAdapter emits a terminal rate-limit error on the first failures
// OpenStream calls, then defers to the embedded TestProvider.
type flakyAdapter struct {
	*provideradapter.TestProvider
	failures int
	calls    int
}

func (a *flakyAdapter) OpenStream(ctx context.Context, messages []ensemble.Message, model string, agent ensemble.AgentDefinition) (<-chan ensemble.Event, error) {
	a.calls++
	if a.calls <= a.failures {
		out := make(chan ensemble.Event, 1)
		out <- ensemble.Event{Type: ensemble.EventError, Error: "rate limit exceeded, slow down"}
		close(out)
		return out, nil
	}
	return a.TestProvider.OpenStream(ctx, messages, model, agent)
}

func TestRunRetriesRateLimitThenSucceeds(t *testing.T) {
	reg := &fakeRegistry{tools: map[string]ensemble.ToolFunction{}}
	mgr, running, queue := newManager(reg)
	adapter := &flakyAdapter{
		TestProvider: &provideradapter.TestProvider{FixedResponse: "recovered"},
		failures:     2,
	}

	o := New(fixedSelector{model: "test-model"}, fixedResolver{adapter: adapter}, mgr, running, queue, nil, nil, nil)

	hist := newHist()
	if err := hist.Add(context.Background(), ensemble.NewUserMessage("hi")); err != nil {
		t.Fatal(err)
	}

	agent := ensemble.DefaultAgentDefinition("a1", "tester")
	agent.Model = "test-model"
	agent.RetryOptions = ensemble.RetryOptions{
		MaxRetries:        3,
		InitialDelay:      10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          100 * time.Millisecond,
	}

	start := time.Now()
	ch, err := o.Run(context.Background(), Request{RequestID: "r7", Agent: agent, History: hist})
	if err != nil {
		t.Fatal(err)
	}
	events := drainEvents(ch)
	elapsed := time.Since(start)

	var sawComplete bool
	for _, ev := range events {
		if ev.Type == ensemble.EventError {
			t.Fatalf("expected zero error events, got %q", ev.Error)
		}
		if ev.Type == ensemble.EventMessageComplete && ev.Content == "recovered" {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Fatal("expected the retried stream to complete with the fixed response")
	}
	if adapter.calls != 3 {
		t.Fatalf("adapter called %d times, want 3 (two failures + one success)", adapter.calls)
	}
	// Two backoff sleeps: initialDelay + initialDelay*multiplier.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed %v, want at least the summed backoff delays", elapsed)
	}
}

func TestRunStopsAtRoundsLimit(t *testing.T) {
	reg := &fakeRegistry{tools: map[string]ensemble.ToolFunction{
		"noop": {
			Definition: ensemble.ToolDefinition{Name: "noop"},
			Function: func(ctx ensemble.AgentContext, args map[string]any) (any, error) {
				return "ok", nil
			},
		},
	}}
	mgr, running, queue := newManager(reg)
	adapter := &countingToolAdapter{
		TestProvider: &provideradapter.TestProvider{SimulateToolCall: true, ToolName: "noop", ToolArguments: `{}`},
	}

	o := New(fixedSelector{model: "test-model"}, fixedResolver{adapter: adapter}, mgr, running, queue, nil, nil, nil)

	hist := newHist()
	if err := hist.Add(context.Background(), ensemble.NewUserMessage("go")); err != nil {
		t.Fatal(err)
	}

	agent := ensemble.DefaultAgentDefinition("a1", "tester")
	agent.Model = "test-model"
	agent.MaxToolCallRoundsPerTurn = 2

	ch, err := o.Run(context.Background(), Request{RequestID: "r8", Agent: agent, History: hist})
	if err != nil {
		t.Fatal(err)
	}
	events := drainEvents(ch)

	var sawRoundsLimit bool
	for _, ev := range events {
		if ev.Type == ensemble.EventMessageDelta && ev.Content == "Tool call rounds limit reached" {
			sawRoundsLimit = true
		}
	}
	if !sawRoundsLimit {
		t.Fatal("expected a rounds-limit message once MaxToolCallRoundsPerTurn was hit")
	}
	// Rounds 0..MaxToolCallRoundsPerTurn each open one stream; round
	// MaxToolCallRoundsPerTurn+1 must not.
	if adapter.calls != agent.MaxToolCallRoundsPerTurn+1 {
		t.Fatalf("provider stream opened %d times, want %d", adapter.calls, agent.MaxToolCallRoundsPerTurn+1)
	}
}

// countingToolAdapter counts OpenStream calls around an embedded
// TestProvider.
type countingToolAdapter struct {
	*provideradapter.TestProvider
	calls int
}

func (a *countingToolAdapter) OpenStream(ctx context.Context, messages []ensemble.Message, model string, agent ensemble.AgentDefinition) (<-chan ensemble.Event, error) {
	a.calls++
	return a.TestProvider.OpenStream(ctx, messages, model, agent)
}

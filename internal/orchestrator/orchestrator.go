// Package orchestrator is the RequestOrchestrator ([H] in the module map):
// the agent loop that resolves a model, opens a provider stream, forwards
// canonical events, dispatches recorded tool calls, appends the round's
// messages to history, and repeats until the agent stops calling tools,
// hits a round/tool-call limit, or a special tool halts the request.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/just-every/ensemble/internal/history"
	"github.com/just-every/ensemble/internal/pause"
	"github.com/just-every/ensemble/internal/provideradapter"
	"github.com/just-every/ensemble/internal/runningtools"
	"github.com/just-every/ensemble/internal/sequentialqueue"
	"github.com/just-every/ensemble/internal/telemetry"
	"github.com/just-every/ensemble/internal/toolexec"
	"github.com/just-every/ensemble/pkg/ensemble"
)

// AdapterResolver maps a resolved model id to the ProviderAdapter that
// serves it.
type AdapterResolver interface {
	AdapterFor(model string) (provideradapter.Adapter, error)
}

// ModelSelector is the narrow slice of internal/modelselect.Selector the
// orchestrator needs, kept as an interface so tests can supply a fixed
// resolution without a full catalog.
type ModelSelector interface {
	Select(agent ensemble.AgentDefinition) (SelectResult, error)
}

// SelectResult mirrors internal/modelselect.Result without importing that
// package's Catalog/QuotaTracker dependency graph into this one.
type SelectResult struct {
	Model   string
	Warning string
}

// Request is one orchestrator invocation: an agent definition and the
// history thread it runs against.
type Request struct {
	RequestID string
	Agent     ensemble.AgentDefinition
	History   *history.History
}

// Orchestrator is the RequestOrchestrator.
type Orchestrator struct {
	selector ModelSelector
	adapters AdapterResolver
	tools    *toolexec.Manager
	running  *runningtools.Tracker
	queue    *sequentialqueue.Queue
	pauseCtl *pause.Controller
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// New builds an Orchestrator. running, queue, and pauseCtl may be nil: a
// nil running/queue simply means cancellation can't reach already
// in-flight tools/queue lanes (callers wiring the real toolexec.Manager
// should pass the same trackers it was built with); a nil pauseCtl means
// the loop never suspends at round boundaries. metrics may be nil, in which
// case no Prometheus series are emitted.
func New(selector ModelSelector, adapters AdapterResolver, tools *toolexec.Manager, running *runningtools.Tracker, queue *sequentialqueue.Queue, pauseCtl *pause.Controller, logger *slog.Logger, metrics *telemetry.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		selector: selector,
		adapters: adapters,
		tools:    tools,
		running:  running,
		queue:    queue,
		pauseCtl: pauseCtl,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run starts the round loop and returns a channel of canonical events
// terminated by stream_end or a single terminal error. Cancelling ctx aborts
// the in-flight provider stream, marks this agent's running tools aborted,
// and clears its sequential-queue lane.
func (o *Orchestrator) Run(ctx context.Context, req Request) (<-chan ensemble.Event, error) {
	if o.selector == nil || o.adapters == nil || o.tools == nil {
		return nil, errors.New("orchestrator: selector, adapters, and tools are required")
	}
	if req.History == nil {
		return nil, ensemble.ErrEmptyHistoryThread
	}

	out := make(chan ensemble.Event, 16)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			o.abortAgent(req.Agent.AgentID)
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)

		emit := func(ev ensemble.Event) {
			ev.RequestID = req.RequestID
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		candidate, err := o.runAgentLoop(ctx, req.Agent, req.History, emit)
		if err != nil {
			emit(ensemble.Event{Type: ensemble.EventError, Error: err.Error()})
			return
		}

		if req.Agent.Verifier != nil {
			o.runVerification(ctx, req, candidate, emit)
		}

		emit(ensemble.Event{Type: ensemble.EventStreamEnd})
	}()

	return out, nil
}

func (o *Orchestrator) abortAgent(agentID string) {
	if o.running != nil {
		for _, rt := range o.running.List() {
			if rt.AgentID == agentID {
				o.running.MarkAborted(rt.ID)
			}
		}
	}
	if o.queue != nil {
		o.queue.Clear(agentID)
	}
}

// runAgentLoop is the round loop for a single agent. It returns the
// final candidate text: either the last assembled assistant message, or
// (if a special tool halted the request) that tool's output.
func (o *Orchestrator) runAgentLoop(ctx context.Context, agent ensemble.AgentDefinition, hist *history.History, emit func(ensemble.Event)) (string, error) {
	maxRounds := agent.MaxToolCallRoundsPerTurn
	if maxRounds <= 0 {
		maxRounds = ensemble.DefaultAgentDefinition("", "").MaxToolCallRoundsPerTurn
	}
	totalToolCalls := 0
	var lastAssistantText string

	for round := 0; ; round++ {
		if o.pauseCtl != nil {
			if err := o.pauseCtl.WaitWhilePaused(ctx, 50*time.Millisecond); err != nil {
				return lastAssistantText, err
			}
		}

		if round > maxRounds {
			emit(ensemble.Event{Type: ensemble.EventMessageDelta, Content: "Tool call rounds limit reached"})
			return lastAssistantText, nil
		}

		res, err := o.selector.Select(agent)
		if err != nil {
			return lastAssistantText, fmt.Errorf("orchestrator: resolve model: %w", err)
		}
		if res.Warning != "" {
			o.logger.Warn(res.Warning)
		}

		out, err := o.runRound(ctx, agent, hist, res.Model, &totalToolCalls, emit)
		if err != nil {
			return lastAssistantText, err
		}
		if out.assembled != "" {
			lastAssistantText = out.assembled
		}
		if out.halted {
			return out.haltOutput, nil
		}
		if out.stop {
			return lastAssistantText, nil
		}
	}
}

// roundOutcome is one round's result, reported back to runAgentLoop once
// runRound's deferred RoundDuration observation has fired.
type roundOutcome struct {
	assembled  string
	stop       bool
	halted     bool
	haltOutput string
}

// runRound runs one round (open stream, consume it, dispatch its tool
// calls) and reports its wall-clock duration as
// ensemble_round_duration_seconds, labeled by the
// model the round actually ran against.
func (o *Orchestrator) runRound(ctx context.Context, agent ensemble.AgentDefinition, hist *history.History, model string, totalToolCalls *int, emit func(ensemble.Event)) (out roundOutcome, err error) {
	start := time.Now()
	defer func() { o.metrics.RoundDuration(model, time.Since(start)) }()

	adapter, err := o.adapters.AdapterFor(model)
	if err != nil {
		return out, fmt.Errorf("orchestrator: resolve adapter for %q: %w", model, err)
	}

	messages := history.Normalize(hist.Messages())

	assembled, toolCalls, err := o.consumeRound(ctx, adapter, messages, model, agent, emit)
	if err != nil {
		return out, err
	}
	out.assembled = assembled

	if err := hist.Add(ctx, ensemble.NewAssistantMessage(assembled)); err != nil {
		return out, fmt.Errorf("orchestrator: append assistant message: %w", err)
	}

	if len(toolCalls) == 0 {
		out.stop = true
		return out, nil
	}

	haltOutput, halted, executed, err := o.toolPhase(ctx, agent, hist, totalToolCalls, toolCalls, emit)
	if err != nil {
		return out, err
	}
	if halted {
		out.halted = true
		out.haltOutput = haltOutput
		return out, nil
	}
	if !executed {
		// Every recorded call was skipped (maxToolCalls exhausted): no
		// progress was made, so stop rather than spin through the
		// remaining rounds.
		out.stop = true
		return out, nil
	}
	return out, nil
}

// consumeRound opens one provider stream and retries it when the
// terminal outcome classifies as RateLimit or StreamInterrupted, up to
// agent.RetryOptions.MaxRetries with exponential backoff. Each retry is
// logged, never surfaced as an error event.
func (o *Orchestrator) consumeRound(ctx context.Context, adapter provideradapter.Adapter, messages []ensemble.Message, model string, agent ensemble.AgentDefinition, emit func(ensemble.Event)) (string, []ensemble.ToolCall, error) {
	opts := agent.RetryOptions
	if opts.InitialDelay <= 0 {
		opts = ensemble.DefaultRetryOptions()
	}
	delay := opts.InitialDelay
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	mult := opts.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		text, toolCalls, reason, err := o.streamOnce(ctx, adapter, messages, model, agent, emit)
		if err == nil {
			return text, toolCalls, nil
		}
		lastErr = err

		retryable := reason == ensemble.ReasonRateLimit || reason == ensemble.ReasonStreamInterrupted
		if !retryable || attempt >= opts.MaxRetries {
			return "", nil, lastErr
		}

		o.logger.Warn("retrying provider stream", "attempt", attempt+1, "reason", reason, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
		delay = time.Duration(float64(delay) * mult)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// streamOnce consumes a single provider stream to completion, forwarding
// every event except tool_start (recorded, not forwarded until the tool
// phase) and tool_delta (an adapter-internal argument-assembly signal). It
// returns the assembled assistant text, the recorded tool calls, and (on
// failure) the classified error reason driving consumeRound's retry
// decision.
func (o *Orchestrator) streamOnce(ctx context.Context, adapter provideradapter.Adapter, messages []ensemble.Message, model string, agent ensemble.AgentDefinition, emit func(ensemble.Event)) (string, []ensemble.ToolCall, ensemble.ErrorReason, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := adapter.OpenStream(streamCtx, messages, model, agent)
	if err != nil {
		return "", nil, ensemble.ClassifyErrorReason(err), err
	}

	var toolCalls []ensemble.ToolCall
	deltas := map[string]string{}
	final := map[string]string{}
	var order []string
	seen := map[string]bool{}

	for ev := range events {
		tag := ensemble.AgentTag{AgentID: agent.AgentID, Name: agent.Name, ParentID: agent.ParentID}
		ev.Agent = &tag

		switch ev.Type {
		case ensemble.EventMessageStart:
			if !seen[ev.MessageID] {
				seen[ev.MessageID] = true
				order = append(order, ev.MessageID)
			}
			emit(ev)
		case ensemble.EventMessageDelta:
			deltas[ev.MessageID] += ev.Content
			emit(ev)
		case ensemble.EventMessageComplete:
			final[ev.MessageID] = ev.Content
			emit(ev)
		case ensemble.EventFileStart, ensemble.EventFileDelta, ensemble.EventFileComplete,
			ensemble.EventCostUpdate, ensemble.EventResponseOutput, ensemble.EventAudioStream,
			ensemble.EventAgentStart, ensemble.EventAgentStatus, ensemble.EventAgentDone:
			emit(ev)
		case ensemble.EventToolStart:
			if ev.ToolCall != nil {
				toolCalls = append(toolCalls, *ev.ToolCall)
			}
		case ensemble.EventToolDelta:
			// argument assembly is the adapter's concern; tool_start already
			// carries finalized arguments by the time it reaches here.
		case ensemble.EventError:
			reason := ensemble.ClassifyErrorReason(errors.New(ev.Error))
			if !reason.IsRetryable() {
				emit(ev)
			}
			return "", nil, reason, fmt.Errorf("provider error: %s", ev.Error)
		case ensemble.EventStreamEnd:
			return assembleText(order, deltas, final), toolCalls, "", nil
		default:
			emit(ev)
		}
	}

	// Channel closed without a terminal stream_end or error: the connection
	// dropped mid-stream.
	return assembleText(order, deltas, final), toolCalls, ensemble.ReasonStreamInterrupted,
		errors.New("provider stream closed without stream_end")
}

func assembleText(order []string, deltas, final map[string]string) string {
	var sb strings.Builder
	for _, id := range order {
		if f, ok := final[id]; ok {
			sb.WriteString(f)
		} else {
			sb.WriteString(deltas[id])
		}
	}
	return sb.String()
}

// plannedCall is one tool call's dispatch plan: skipped once the agent's
// maxToolCalls budget is exhausted, otherwise actually executed.
type plannedCall struct {
	call    ensemble.ToolCall
	skipped bool
}

// toolPhase dispatches a round's recorded tool calls,
// enforcing maxToolCalls, honoring agent.ModelSettings.SequentialTools for
// in-order execution, short-circuiting on task_complete/task_fatal_error,
// and appending (function_call, function_call_output) pairs to
// history for every non-special call.
func (o *Orchestrator) toolPhase(ctx context.Context, agent ensemble.AgentDefinition, hist *history.History, totalToolCalls *int, toolCalls []ensemble.ToolCall, emit func(ensemble.Event)) (output string, halted bool, executed bool, err error) {
	plan := make([]plannedCall, 0, len(toolCalls))
	for _, call := range toolCalls {
		if agent.MaxToolCalls > 0 && *totalToolCalls >= agent.MaxToolCalls {
			emit(ensemble.Event{Type: ensemble.EventMessageDelta, Content: "Total tool calls limit reached"})
			plan = append(plan, plannedCall{call: call, skipped: true})
			continue
		}
		*totalToolCalls++
		executed = true
		plan = append(plan, plannedCall{call: call})
	}

	results := make([]ensemble.ToolCallResult, len(plan))
	dispatch := func(i int) {
		call := plan[i].call
		emit(ensemble.Event{Type: ensemble.EventToolStart, ToolCall: &call})
		r := o.tools.Execute(ctx, agent.AgentID, call, agent.Hooks)
		results[i] = r
		emit(ensemble.Event{Type: ensemble.EventToolDone, ToolCall: &call, ToolResult: &ensemble.ToolResultPayload{CallID: r.CallID, Output: r.Output, Error: r.Error}})
	}

	if agent.ModelSettings.SequentialTools {
		for i := range plan {
			if plan[i].skipped {
				continue
			}
			dispatch(i)
		}
	} else {
		var wg sync.WaitGroup
		for i := range plan {
			if plan[i].skipped {
				continue
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				dispatch(i)
			}(i)
		}
		wg.Wait()
	}

	for i, p := range plan {
		if p.skipped {
			continue
		}
		if name := p.call.Function.Name; name == "task_complete" || name == "task_fatal_error" {
			return results[i].Output, true, executed, nil
		}
	}

	for i, p := range plan {
		if p.skipped {
			continue
		}
		if err := hist.Add(ctx, ensemble.NewFunctionCall(p.call.CallID, p.call.Function.Name, p.call.Function.Arguments)); err != nil {
			return "", false, executed, fmt.Errorf("orchestrator: append function_call: %w", err)
		}
		status := ensemble.StatusCompleted
		callOutput := results[i].Output
		if results[i].Error != "" {
			status = ensemble.StatusIncomplete
			if callOutput == "" {
				callOutput = results[i].Error
			}
		}
		if err := hist.Add(ctx, ensemble.NewFunctionCallOutput(p.call.CallID, callOutput, status)); err != nil {
			return "", false, executed, fmt.Errorf("orchestrator: append function_call_output: %w", err)
		}
	}

	return "", false, executed, nil
}

// verifierVerdict is the single JSON message a verifier agent must emit.
type verifierVerdict struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// runVerification re-runs the orchestrator with agent.Verifier against a
// synthesized prompt containing the candidate output, retrying the main
// agent up to maxVerificationAttempts times on a "fail" verdict. It
// never returns an error: a verifier failure or malformed
// verdict is treated as a pass, so the caller always gets a candidate.
func (o *Orchestrator) runVerification(ctx context.Context, req Request, candidate string, emit func(ensemble.Event)) string {
	attempts := req.Agent.MaxVerificationAttempts
	if attempts <= 0 {
		attempts = ensemble.DefaultAgentDefinition("", "").MaxVerificationAttempts
	}

	current := candidate
	for i := 0; i < attempts; i++ {
		verdict, ok := o.runVerifier(ctx, *req.Agent.Verifier, current, emit)
		if !ok || verdict.Status == "pass" {
			return current
		}

		emit(ensemble.Event{Type: ensemble.EventMessageDelta, Content: fmt.Sprintf("Verification failed: %s", verdict.Reason)})
		_ = req.History.Add(ctx, ensemble.NewSystemMessage(fmt.Sprintf(
			"Verification failed: %s. Please address the issue and try again.", verdict.Reason)))

		next, err := o.runAgentLoop(ctx, req.Agent, req.History, emit)
		if err != nil {
			return current
		}
		current = next
	}

	emit(ensemble.Event{Type: ensemble.EventMessageDelta, Content: fmt.Sprintf("❌ Verification failed after %d attempts", attempts)})
	return current
}

func (o *Orchestrator) runVerifier(ctx context.Context, verifier ensemble.AgentDefinition, candidate string, emit func(ensemble.Event)) (verifierVerdict, bool) {
	prompt := fmt.Sprintf(
		"Verify the following candidate output. Respond with a single JSON object {\"status\": \"pass\"|\"fail\", \"reason\": \"...\"} and nothing else.\n\nCandidate output:\n%s",
		candidate)

	verifierHist := history.New(verifier.Model, 0, nil)
	if err := verifierHist.Add(ctx, ensemble.NewUserMessage(prompt)); err != nil {
		return verifierVerdict{}, false
	}

	text, err := o.runAgentLoop(ctx, verifier, verifierHist, emit)
	if err != nil {
		return verifierVerdict{}, false
	}

	var verdict verifierVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &verdict); err != nil {
		return verifierVerdict{}, false
	}
	return verdict, true
}

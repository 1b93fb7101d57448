// Package runningtools is the in-flight tool registry ([B] in the module
// map): it tracks tools that have been promoted to background execution
// after exceeding their timeout budget, keyed by call id, with abort
// handles and a terminal-state wait primitive.
package runningtools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/just-every/ensemble/pkg/ensemble"
)

// AbortHandle lets a caller request cancellation of a running tool's
// underlying context.
type AbortHandle struct {
	cancel context.CancelFunc
}

// Abort cancels the running tool's context. Safe to call multiple times.
func (h AbortHandle) Abort() {
	if h.cancel != nil {
		h.cancel()
	}
}

type entry struct {
	tool   ensemble.RunningTool
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// Tracker is the RunningToolTracker. One Tracker is owned per runtime.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New builds an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// AddRunningTool registers a new in-flight call. Calling it twice for the
// same id is a programming error, surfaced as a panic.
func (t *Tracker) AddRunningTool(ctx context.Context, id, name, agentID string, args map[string]any) (context.Context, AbortHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		panic(fmt.Sprintf("runningtools: duplicate running tool id %q", id))
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		tool: ensemble.RunningTool{
			ID:        id,
			Name:      name,
			AgentID:   agentID,
			Args:      args,
			StartTime: time.Now(),
			Status:    ensemble.RunningToolRunning,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.entries[id] = e
	return runCtx, AbortHandle{cancel: cancel}
}

// CompleteRunningTool records a successful terminal result. Idempotent:
// repeated calls after the first are no-ops.
func (t *Tracker) CompleteRunningTool(id, output string) {
	t.transition(id, func(e *entry) {
		e.tool.Status = ensemble.RunningToolCompleted
		e.tool.Result = output
	})
}

// FailRunningTool records a failed terminal result.
func (t *Tracker) FailRunningTool(id string, err error) {
	t.transition(id, func(e *entry) {
		e.tool.Status = ensemble.RunningToolFailed
		e.tool.Err = err
	})
}

// MarkTimedOut flags a tool as timed out without removing it: the
// underlying execution keeps running in the background and will later
// transition to Completed/Failed via the calls above.
func (t *Tracker) MarkTimedOut(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok && e.tool.Status == ensemble.RunningToolRunning {
		e.tool.Status = ensemble.RunningToolTimedOut
	}
	t.mu.Unlock()
}

// MarkAborted records cancellation requested by the caller.
func (t *Tracker) MarkAborted(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	t.transition(id, func(e *entry) {
		if !isTerminal(e.tool.Status) {
			e.tool.Status = ensemble.RunningToolAborted
		}
	})
}

// transition applies mutate to the entry's tool record exactly once per
// terminal status and closes its done channel, making any concurrent
// WaitFor callers observe the result.
func (t *Tracker) transition(id string, mutate func(*entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return
	}
	if e.closed {
		return
	}
	e.tool.EndTime = time.Now()
	mutate(e)
	if isTerminal(e.tool.Status) {
		e.closed = true
		close(e.done)
	}
}

func isTerminal(s ensemble.RunningToolStatus) bool {
	switch s {
	case ensemble.RunningToolCompleted, ensemble.RunningToolFailed, ensemble.RunningToolAborted:
		return true
	default:
		return false
	}
}

// GetRunningTool returns a snapshot of the tracked entry.
func (t *Tracker) GetRunningTool(id string) (ensemble.RunningTool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return ensemble.RunningTool{}, false
	}
	return e.tool, true
}

// WaitFor suspends until the tool reaches a terminal state (including
// TimedOut being superseded by Completed/Failed later), or ctx is
// cancelled.
func (t *Tracker) WaitFor(ctx context.Context, id string) (ensemble.RunningTool, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return ensemble.RunningTool{}, fmt.Errorf("runningtools: unknown id %q", id)
	}

	select {
	case <-e.done:
		return t.mustGet(id), nil
	case <-ctx.Done():
		return t.mustGet(id), ctx.Err()
	}
}

func (t *Tracker) mustGet(id string) ensemble.RunningTool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id].tool
}

// Remove deletes a terminal entry after its grace period has elapsed.
// Callers (the orchestrator's periodic sweep) decide grace-period timing;
// Remove itself is unconditional.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// List returns a snapshot of every tracked entry, for get_running_tools.
func (t *Tracker) List() []ensemble.RunningTool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ensemble.RunningTool, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.tool)
	}
	return out
}

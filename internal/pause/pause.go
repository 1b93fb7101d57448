// Package pause implements the global cooperative pause gate ([I] in the
// module map). The orchestrator calls WaitWhilePaused only at round
// boundaries, never mid-stream, so pause appears atomic to callers.
//
// The wait is an edge-triggered broadcast channel, replaced on every pause
// and closed on every resume.
package pause

import (
	"context"
	"sync"
	"time"
)

// Controller is the PauseController: a single paused/resumed boolean with
// edge-triggered wakeups.
type Controller struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{} // closed on Resume; replaced on Pause
}

// New builds a Controller in the resumed state.
func New() *Controller {
	return &Controller{resume: closedChan()}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Pause flips the gate to paused. A no-op if already paused.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.resume = make(chan struct{})
}

// Resume flips the gate to resumed and wakes every waiter. A no-op if
// already resumed.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	close(c.resume)
}

// IsPaused reports the current state.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// WaitWhilePaused suspends the caller while the gate is paused, polling at
// pollInterval as a fallback in case Resume raced with a concurrent Pause,
// and returns early with ctx.Err() if ctx is cancelled first.
func (c *Controller) WaitWhilePaused(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	for {
		c.mu.Lock()
		paused := c.paused
		resumeCh := c.resume
		c.mu.Unlock()
		if !paused {
			return nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-resumeCh:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

package pause

import (
	"context"
	"testing"
	"time"
)

func TestWaitWhilePausedReturnsImmediatelyWhenResumed(t *testing.T) {
	c := New()
	if err := c.WaitWhilePaused(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitWhilePausedBlocksUntilResume(t *testing.T) {
	c := New()
	c.Pause()

	done := make(chan struct{})
	go func() {
		_ = c.WaitWhilePaused(context.Background(), 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected WaitWhilePaused to block while paused")
	case <-time.After(30 * time.Millisecond):
	}

	c.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected WaitWhilePaused to return after Resume")
	}
}

func TestWaitWhilePausedRespectsContextCancellation(t *testing.T) {
	c := New()
	c.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.WaitWhilePaused(ctx, 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestIsPaused(t *testing.T) {
	c := New()
	if c.IsPaused() {
		t.Fatal("expected initial state resumed")
	}
	c.Pause()
	if !c.IsPaused() {
		t.Fatal("expected paused after Pause()")
	}
	c.Resume()
	if c.IsPaused() {
		t.Fatal("expected resumed after Resume()")
	}
}

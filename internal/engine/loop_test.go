package engine

import (
	"context"
	"testing"
	"time"
)

func TestLoopPostRunsOnLoop(t *testing.T) {
	l := NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	defer cancel()

	done := make(chan struct{})
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted closure never ran")
	}
}

func TestLoopStopDrainsPending(t *testing.T) {
	l := NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 1)
	l.Post(func() { ran <- struct{}{} })
	l.Stop()
	l.Run(ctx)

	select {
	case <-ran:
	default:
		t.Fatal("pending task was not drained before Run returned")
	}
}

func TestLoopContextCancelStopsRun(t *testing.T) {
	l := NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())

	finished := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(finished)
	}()
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

package engine

import "context"

// Loop is the Go-idiomatic rendering of spec.md §4.1's "single-threaded
// cooperative event loop": one dedicated goroutine drains a channel of
// closures, and every mutation of engine state (the Poisson arena, flow
// rings, the rate knob, the controller state machine) happens only from
// closures run on that goroutine. Timers and per-flow readers are the
// only other goroutines the engine spawns; none of them touch engine
// state directly — they only ever call Post to hand work back to the
// loop, which is how "no locks are taken by the core" (spec.md §5) is
// upheld without a literal single-OS-thread epoll reactor.
type Loop struct {
	tasks chan func()
	done  chan struct{}
}

// NewLoop creates a Loop with the given task queue depth. A deep queue
// avoids back-pressure stalling timer/reader goroutines under burst load.
func NewLoop(queueDepth int) *Loop {
	return &Loop{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
}

// Post enqueues a closure to run on the loop goroutine. Safe to call from
// any goroutine, including the loop goroutine itself.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Run drains the task queue until the context is cancelled or Stop is
// called. It must be invoked from the single goroutine that owns the
// engine's state.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			l.drain()
			return
		case <-l.done:
			l.drain()
			return
		}
	}
}

// drain executes any tasks already queued before returning, so that
// cleanup closures (timer cancellations, connection closes) posted
// during shutdown still run once.
func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}

// Stop requests the loop to exit after draining pending tasks.
func (l *Loop) Stop() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

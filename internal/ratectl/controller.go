// Package ratectl implements the rate controller state machine from
// spec.md §4.5: it turns a static rate, a step schedule, or a slope
// schedule into Poisson-pool spawn/retire/set_rate calls scheduled over
// time, driven exclusively by timers posted to the engine's loop.
package ratectl

import (
	"math"
	"time"
)

// UpdateIntervalMsec is the slope adjustment timer's target period
// (spec.md §4.5); the actual fire period T is derived from it per
// segment so that an integer number of sources is spawned/retired each
// time.
const UpdateIntervalMsec = 100

// StartupGrace is applied to every initial timer so sources do not all
// fire in a synchronized burst at t=0 (spec.md §5).
const StartupGrace = 5 * time.Second

// State is the controller's position in the IDLE/ARMED/RUNNING/STOPPING
// state machine (spec.md §4.5).
type State int

const (
	StateIdle State = iota
	StateArmed
	StateRunning
	StateStopping
	StateExit
)

// Step is one entry of a step-rate schedule: hold rate QPS for Duration.
type Step struct {
	Duration time.Duration
	RateQPS  float64
}

// Slope is one entry of a slope schedule: ramp the aggregate rate by
// QPSPerSec for Duration.
type Slope struct {
	Duration  time.Duration
	QPSPerSec float64
}

// PoissonPool is the subset of the engine's Poisson arena the controller
// drives. Implemented by the engine's Engine type via a small adapter so
// this package stays decoupled from the engine's internals.
type PoissonPool interface {
	Count() int
	SpawnAt(rate float64) uint32
	RetireOne() bool
	SetAllRates(rate float64)
}

// Timers is the subset of timer scheduling the controller needs,
// implemented over the engine's loop so tests can substitute a fake
// clock without a real goroutine.
type Timers interface {
	After(d time.Duration, fn func()) Cancel
}

// Cancel stops a previously scheduled timer; calling it after the timer
// has already fired is a no-op.
type Cancel interface {
	Cancel()
}

// Controller runs one schedule (step, slope, or static) to completion,
// then calls onExit. Only one schedule is ever active per run, per
// spec.md §4.5's mutual exclusivity requirement — enforced by the
// caller picking exactly one Run* method.
type Controller struct {
	pool   PoissonPool
	timers Timers
	onExit func()
	state  State
	lambda float64 // current per-source rate, tracked so slope-mode mid-segment spawns inherit it
}

// New creates a Controller bound to a Poisson pool and timer substrate.
func New(pool PoissonPool, timers Timers, onExit func()) *Controller {
	return &Controller{pool: pool, timers: timers, onExit: onExit, state: StateIdle}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return c.state
}

// RunStatic holds n Poisson sources at a fixed aggregate rate for the
// given duration, then exits. If duration is zero the run never ends on
// its own (the caller is expected to have another exit condition, e.g.
// external cancellation).
func (c *Controller) RunStatic(rate float64, n int, duration time.Duration) {
	c.state = StateArmed
	c.timers.After(StartupGrace, func() {
		c.state = StateRunning
		c.lambda = rate / float64(n)
		for i := 0; i < n; i++ {
			c.pool.SpawnAt(c.lambda)
		}
		if duration > 0 {
			c.timers.After(duration, c.finish)
		}
	})
}

// RunStep drives a step schedule: at each segment boundary the shared
// rate knob updates via SetAllRates(rᵢ / N) without touching N, per
// spec.md §4.5's explicit statement that step mode absorbs the change
// into λ (Open Question (a): N is never rebalanced, by design).
func (c *Controller) RunStep(steps []Step, initialSources int) {
	c.state = StateArmed
	c.timers.After(StartupGrace, func() {
		c.state = StateRunning
		for i := 0; i < initialSources; i++ {
			c.pool.SpawnAt(0)
		}
		c.runStepSegment(steps, 0)
	})
}

func (c *Controller) runStepSegment(steps []Step, idx int) {
	if idx >= len(steps) {
		c.finish()
		return
	}
	step := steps[idx]
	n := c.pool.Count()
	if n == 0 {
		n = 1
	}
	c.lambda = step.RateQPS / float64(n)
	c.pool.SetAllRates(c.lambda)

	if idx+1 < len(steps) {
		c.timers.After(step.Duration, func() {
			c.state = StateRunning
			c.runStepSegment(steps, idx+1)
		})
	} else {
		c.timers.After(step.Duration, c.finish)
	}
}

// RunSlope drives a slope schedule. Each segment installs a repeating
// adjustment timer at period T with integer step Δn (spec.md §4.5's
// Δn/T derivation), and a one-shot boundary timer that cancels the
// adjustment timer before the next segment starts — this is the fix for
// Open Question (b): the adjustment timer never outlives its segment.
//
// sourceLambda is the per-source rate every spawned source runs at
// (spec.md §4.2's period-derived constant, 1000/POISSON_PROCESS_PERIOD_MSEC):
// slope mode controls the aggregate rate purely by adding or retiring
// whole sources at this fixed λ, never by rescaling an existing source's
// rate, so λ must not be derived as initialRate/n — doing so can drive λ
// to zero and leave every spawned source's inter-arrival infinite.
func (c *Controller) RunSlope(slopes []Slope, initialSources int, sourceLambda float64) {
	c.state = StateArmed
	c.timers.After(StartupGrace, func() {
		c.state = StateRunning
		c.lambda = sourceLambda
		for i := 0; i < initialSources; i++ {
			c.pool.SpawnAt(c.lambda)
		}
		c.runSlopeSegment(slopes, 0)
	})
}

func (c *Controller) runSlopeSegment(slopes []Slope, idx int) {
	if idx >= len(slopes) {
		c.finish()
		return
	}
	seg := slopes[idx]

	var adjust Cancel
	if seg.QPSPerSec != 0 {
		deltaN, period := slopeSchedule(seg.QPSPerSec)
		adjust = c.installRepeating(period, func() {
			c.applyDelta(deltaN)
		})
	}

	c.timers.After(seg.Duration, func() {
		if adjust != nil {
			adjust.Cancel()
		}
		c.state = StateRunning
		c.runSlopeSegment(slopes, idx+1)
	})
}

// installRepeating emulates a periodic timer on top of Timers.After by
// re-arming itself, since the controller's Timers abstraction only
// exposes one-shot scheduling (the loop's timer substrate, like the
// original event loop, treats periodic timers as a convenience layered
// on one-shot rearm-on-fire, per spec.md §4.1).
func (c *Controller) installRepeating(period time.Duration, fn func()) Cancel {
	rc := &repeatingCancel{}
	var arm func()
	arm = func() {
		rc.cancel = c.timers.After(period, func() {
			if rc.stopped {
				return
			}
			fn()
			arm()
		})
	}
	arm()
	return rc
}

type repeatingCancel struct {
	cancel  Cancel
	stopped bool
}

func (r *repeatingCancel) Cancel() {
	r.stopped = true
	if r.cancel != nil {
		r.cancel.Cancel()
	}
}

// applyDelta spawns or retires |deltaN| sources at the segment's current
// λ, stopping early, without logging, if retiring hits an empty pool.
func (c *Controller) applyDelta(deltaN int) {
	if deltaN > 0 {
		for i := 0; i < deltaN; i++ {
			c.pool.SpawnAt(c.lambda)
		}
	} else if deltaN < 0 {
		for i := 0; i < -deltaN; i++ {
			if !c.pool.RetireOne() {
				break
			}
		}
	}
}

// slopeSchedule computes (Δn, T) for a slope in qps/s per spec.md §4.5:
// Δn = round_closest(slope * UPDATE_INTERVAL_MS / 1000), clamped to have
// |Δn| >= 1, and T = |1_000_000 * Δn / slope| microseconds.
func slopeSchedule(qpsPerSec float64) (deltaN int, period time.Duration) {
	raw := qpsPerSec * UpdateIntervalMsec / 1000
	deltaN = int(math.Round(raw))
	if deltaN == 0 {
		if qpsPerSec > 0 {
			deltaN = 1
		} else {
			deltaN = -1
		}
	}
	periodUs := math.Abs(1_000_000 * float64(deltaN) / qpsPerSec)
	return deltaN, time.Duration(periodUs) * time.Microsecond
}

func (c *Controller) finish() {
	c.state = StateStopping
	c.state = StateExit
	if c.onExit != nil {
		c.onExit()
	}
}

package engine

import (
	"math"
	"math/rand"
	"time"
)

// PoissonProcessPeriodMsec is the target average sending period of a
// single Poisson source; enough sources are spawned to hit the target
// aggregate rate while each one fires roughly this often (spec.md §4.2).
const PoissonProcessPeriodMsec = 1000

// sourceLambda is the per-source rate every spawn-based source runs at:
// the period-derived constant 1000/PoissonProcessPeriodMsec (1.0 events/s
// for the default 1s period). Modes that control the aggregate rate by
// adding/retiring whole sources (slope mode) spawn every source at this
// fixed λ rather than deriving λ from a target rate divided by N.
const sourceLambda = 1000.0 / PoissonProcessPeriodMsec

// poissonCallback is invoked once per inter-arrival tick, after the
// source has already re-armed its own timer (spec.md §4.2 step 2 before
// step 3, so long callbacks cannot compound scheduling drift). interval
// is the Δ just sampled to re-arm, passed through for the Q row's
// poisson_interval_us column.
type poissonCallback func(processID uint32, interval time.Duration)

// poissonSource is one independent exponential inter-arrival generator.
// At most one timer is ever pending for a given source (spec.md §3
// invariant).
type poissonSource struct {
	processID uint32
	rate      float64 // lambda, events/second
	timer     *time.Timer
}

// poissonPool is a dense, append-only arena of Poisson sources, indexed
// by process_id == slice index, directly mirroring
// original_source/poisson.c's realloc-based arena: spawn appends
// (doubling the backing array whenever it is full), retireOne pops the tail
// (LIFO) so every still-live source keeps the same index for its
// lifetime.
type poissonPool struct {
	loop      *Loop
	rng       *rand.Rand
	sources   []*poissonSource
	onTick    poissonCallback
	onArmFail func(processID uint32)
}

func newPoissonPool(loop *Loop, seed int64, onTick poissonCallback, onArmFail func(uint32)) *poissonPool {
	return &poissonPool{
		loop:      loop,
		rng:       rand.New(rand.NewSource(seed)),
		sources:   make([]*poissonSource, 0, 16),
		onTick:    onTick,
		onArmFail: onArmFail,
	}
}

// count returns the number of live sources. Must be called from the
// loop goroutine.
func (p *poissonPool) count() int {
	return len(p.sources)
}

// interarrival samples -ln(1-U)/lambda, per spec.md §4.2 step 1: using
// 1-U rather than U keeps the singularity (U==1) outside the sample
// space, since math/rand.Float64 can return 0 but never 1.
func (p *poissonPool) interarrival(rate float64) time.Duration {
	if rate <= 0 {
		return time.Hour
	}
	u := p.rng.Float64()
	seconds := -math.Log(1-u) / rate
	return time.Duration(seconds * float64(time.Second))
}

// spawn creates a new Poisson source at the given rate and arms its
// initial timer. A zero or negative startDelay means "no explicit
// delay": the source samples its own first inter-arrival, matching
// original_source/poisson.h's poisson_start_process semantics when
// initial_delay is NULL. The engine always passes zero: the 5s start-up
// grace (spec.md §5) comes from the rate controller, which spawns the
// first batch of sources only after its StartupGrace timer fires, so
// every source self-samples its first tick. Returns the new process_id.
// Must be called from the loop goroutine.
func (p *poissonPool) spawn(rate float64, startDelay time.Duration) uint32 {
	id := uint32(len(p.sources))
	s := &poissonSource{processID: id, rate: rate}
	if len(p.sources) == cap(p.sources) {
		newCap := 2 * cap(p.sources)
		if newCap == 0 {
			newCap = 16
		}
		grown := make([]*poissonSource, len(p.sources), newCap)
		copy(grown, p.sources)
		p.sources = grown
	}
	p.sources = append(p.sources, s)
	delay := startDelay
	if delay <= 0 {
		delay = p.interarrival(rate)
	}
	p.arm(s, delay)
	return id
}

// arm schedules the next tick for a source. Re-arming happens before the
// user callback runs (see tick), so a slow callback cannot delay the
// next schedule beyond one tick.
func (p *poissonPool) arm(s *poissonSource, delay time.Duration) {
	processID := s.processID
	s.timer = time.AfterFunc(delay, func() {
		p.loop.Post(func() { p.tick(processID) })
	})
}

func (p *poissonPool) tick(processID uint32) {
	if int(processID) >= len(p.sources) {
		return // retired since this tick was scheduled
	}
	s := p.sources[processID]
	interval := p.interarrival(s.rate)
	p.arm(s, interval)
	if p.onTick != nil {
		p.onTick(processID, interval)
	}
}

// setRate updates a single source's rate. Must be called from the loop
// goroutine; takes effect no later than the source's next tick, per
// spec.md §5(d).
func (p *poissonPool) setRate(processID uint32, rate float64) bool {
	if int(processID) >= len(p.sources) {
		return false
	}
	p.sources[processID].rate = rate
	return true
}

// setAllRates updates every live source's rate (used by step-mode, which
// absorbs a rate change into lambda rather than N, per spec.md §4.5).
func (p *poissonPool) setAllRates(rate float64) {
	for _, s := range p.sources {
		s.rate = rate
	}
}

// retireOne removes the most recently spawned live source (LIFO),
// cancelling its pending timer before shrinking the arena, mirroring
// original_source/poisson.c's poisson_remove. Returns false if the
// arena is empty.
func (p *poissonPool) retireOne() bool {
	n := len(p.sources)
	if n == 0 {
		return false
	}
	last := p.sources[n-1]
	if last.timer != nil {
		last.timer.Stop()
	}
	p.sources = p.sources[:n-1]
	return true
}

// destroy cancels every pending timer and empties the arena.
func (p *poissonPool) destroy() {
	for p.retireOne() {
	}
}

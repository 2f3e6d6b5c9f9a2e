package ratectl

import (
	"testing"
	"time"
)

// fakeTimers runs every scheduled callback synchronously and immediately,
// in registration order, recording the requested delay — enough to drive
// the controller's state machine deterministically without a real clock.
type fakeTimers struct {
	scheduled []fakeTimer
}

type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

type fakeCancel struct {
	t *fakeTimer
}

func (c fakeCancel) Cancel() { c.t.cancelled = true }

func (f *fakeTimers) After(d time.Duration, fn func()) Cancel {
	f.scheduled = append(f.scheduled, fakeTimer{delay: d, fn: fn})
	return fakeCancel{&f.scheduled[len(f.scheduled)-1]}
}

// runAll fires every not-yet-cancelled timer in the order it was
// scheduled, including ones scheduled by earlier firings, until none
// remain.
func (f *fakeTimers) runAll(maxSteps int) {
	i := 0
	for i < len(f.scheduled) && i < maxSteps {
		t := &f.scheduled[i]
		if !t.cancelled {
			t.fn()
		}
		i++
	}
}

type fakePool struct {
	spawned []float64
	retired int
	rates   []float64
}

func (p *fakePool) Count() int { return len(p.spawned) - p.retired }
func (p *fakePool) SpawnAt(rate float64) uint32 {
	p.spawned = append(p.spawned, rate)
	return uint32(len(p.spawned) - 1)
}
func (p *fakePool) RetireOne() bool {
	if p.Count() <= 0 {
		return false
	}
	p.retired++
	return true
}
func (p *fakePool) SetAllRates(rate float64) { p.rates = append(p.rates, rate) }

func TestRunStaticSpawnsAfterGrace(t *testing.T) {
	pool := &fakePool{}
	timers := &fakeTimers{}
	exited := false
	c := New(pool, timers, func() { exited = true })

	c.RunStatic(1000, 10, time.Second)
	if len(pool.spawned) != 0 {
		t.Fatal("expected no spawns before the startup grace timer fires")
	}

	timers.runAll(100)

	if len(pool.spawned) != 10 {
		t.Fatalf("expected 10 sources spawned, got %d", len(pool.spawned))
	}
	for _, rate := range pool.spawned {
		if rate != 100 {
			t.Fatalf("expected each source at lambda=100, got %v", rate)
		}
	}
	if !exited {
		t.Fatal("expected controller to reach exit after duration elapses")
	}
}

func TestRunStepAbsorbsRateIntoLambda(t *testing.T) {
	pool := &fakePool{}
	timers := &fakeTimers{}
	c := New(pool, timers, func() {})

	steps := []Step{
		{Duration: time.Second, RateQPS: 500},
		{Duration: time.Second, RateQPS: 5000},
		{Duration: time.Second, RateQPS: 500},
	}
	c.RunStep(steps, 5)
	timers.runAll(100)

	if len(pool.spawned) != 5 {
		t.Fatalf("step mode must never change source count, got %d sources", len(pool.spawned))
	}
	if len(pool.rates) != 3 {
		t.Fatalf("expected 3 rate updates (one per step), got %d", len(pool.rates))
	}
	if pool.rates[0] != 100 {
		t.Fatalf("expected lambda=500/5=100 for first step, got %v", pool.rates[0])
	}
	if pool.rates[1] != 1000 {
		t.Fatalf("expected lambda=5000/5=1000 for second step, got %v", pool.rates[1])
	}
}

func TestSlopeScheduleDerivation(t *testing.T) {
	deltaN, period := slopeSchedule(100)
	// Δn = round(100 * 100/1000) = 10, T = |1e6*10/100| = 100000us = 100ms
	if deltaN != 10 {
		t.Fatalf("expected deltaN=10, got %d", deltaN)
	}
	if period != 100*time.Millisecond {
		t.Fatalf("expected period=100ms, got %v", period)
	}
}

func TestSlopeScheduleSmallSlopeClampsDeltaN(t *testing.T) {
	deltaN, _ := slopeSchedule(1)
	if deltaN != 1 {
		t.Fatalf("expected |deltaN| clamped to at least 1, got %d", deltaN)
	}
	deltaN, _ = slopeSchedule(-1)
	if deltaN != -1 {
		t.Fatalf("expected negative deltaN clamped to -1, got %d", deltaN)
	}
}

func TestRunSlopeCancelsAdjustTimerAtSegmentEnd(t *testing.T) {
	pool := &fakePool{}
	timers := &fakeTimers{}
	c := New(pool, timers, func() {})

	slopes := []Slope{
		{Duration: 250 * time.Millisecond, QPSPerSec: 100},
		{Duration: time.Second, QPSPerSec: 0},
	}
	c.RunSlope(slopes, 1, 1.0)
	timers.runAll(200)

	// The first segment's adjustment timer (period 100ms) fires at most
	// twice within a 250ms window before the boundary timer cancels it;
	// the cancellation must stop it from scheduling indefinitely.
	cancelledCount := 0
	for _, tm := range timers.scheduled {
		if tm.cancelled {
			cancelledCount++
		}
	}
	if cancelledCount == 0 {
		t.Fatal("expected at least one adjustment timer to be cancelled at the segment boundary")
	}
}

package engine

import (
	"context"
	"math"
	"testing"
	"time"
)

func newTestPool(t *testing.T) (*poissonPool, *Loop, func()) {
	t.Helper()
	loop := NewLoop(64)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	ticks := make(chan uint32, 256)
	pool := newPoissonPool(loop, 1, func(id uint32, _ time.Duration) {
		ticks <- id
	}, nil)
	return pool, loop, cancel
}

func TestPoissonInterarrivalMean(t *testing.T) {
	pool, _, cancel := newTestPool(t)
	defer cancel()

	const rate = 50.0
	const n = 20000
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += pool.interarrival(rate).Seconds()
	}
	mean := sum / n
	want := 1 / rate
	if math.Abs(mean-want) > want*0.05 {
		t.Fatalf("sample mean %.5f too far from expected %.5f", mean, want)
	}
}

func TestPoissonArenaIndexStability(t *testing.T) {
	pool, _, cancel := newTestPool(t)
	defer cancel()

	var ids []uint32
	for i := 0; i < 5; i++ {
		ids = append(ids, pool.spawn(10, time.Hour))
	}
	for i, id := range ids {
		if int(id) != i {
			t.Fatalf("expected process_id %d to equal spawn order index, got %d", i, id)
		}
	}
	if pool.count() != 5 {
		t.Fatalf("expected 5 live sources, got %d", pool.count())
	}

	// Retire the tail twice (LIFO); the remaining three must keep their
	// original indices.
	if !pool.retireOne() {
		t.Fatal("expected retireOne to succeed")
	}
	if !pool.retireOne() {
		t.Fatal("expected retireOne to succeed")
	}
	if pool.count() != 3 {
		t.Fatalf("expected 3 live sources after two retirements, got %d", pool.count())
	}
	for i := 0; i < 3; i++ {
		if pool.sources[i].processID != uint32(i) {
			t.Fatalf("source at index %d has stale process_id %d", i, pool.sources[i].processID)
		}
	}
}

func TestPoissonRetireEmptyPool(t *testing.T) {
	pool, _, cancel := newTestPool(t)
	defer cancel()

	if pool.retireOne() {
		t.Fatal("expected retireOne on empty pool to return false")
	}
}

func TestPoissonTickSkipsRetiredIndex(t *testing.T) {
	pool, loop, cancel := newTestPool(t)
	defer cancel()

	done := make(chan struct{})
	id := pool.spawn(1000, time.Millisecond)
	pool.retireOne()

	// Directly invoke tick for the now-retired index to simulate a timer
	// that fired after retirement already happened.
	loop.Post(func() {
		pool.tick(id)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick on retired index never completed")
	}
}

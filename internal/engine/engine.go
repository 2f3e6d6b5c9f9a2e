// Package engine wires the timer loop, Poisson pool, flow pool, rate
// controller, and CSV sink into the single running load generator
// described in spec.md §2's data-flow diagram.
package engine

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/paragkamble/dnsgen/internal/config"
	"github.com/paragkamble/dnsgen/internal/csvsink"
	"github.com/paragkamble/dnsgen/internal/metrics"
	"github.com/paragkamble/dnsgen/internal/ratectl"
	"github.com/paragkamble/dnsgen/internal/script"
	"github.com/paragkamble/dnsgen/internal/transport"
)

// Engine owns every piece of mutable run state and is touched only from
// the loop goroutine once Run starts, per spec.md §5's single-writer
// discipline.
type Engine struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	csv     *csvsink.Sink

	loop    *Loop
	poisson *poissonPool
	flows   *flowPool
	ctl     *ratectl.Controller
	dialer  *transport.Dialer

	// scheduleEntries holds the parsed step/slope script, read exactly
	// once in Run so a "-" (stdin) script isn't consumed twice.
	scheduleEntries []script.Entry

	selectRng *rand.Rand
	scratch   [31]byte

	done chan struct{}
}

// New constructs an Engine. The CSV sink is optional (csv may be nil if
// --print-rtt is false); m must not be nil, since the send and receive
// paths record to it without a nil check.
func New(cfg *config.Config, log *zap.Logger, m *metrics.Metrics, csv *csvsink.Sink) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		csv:       csv,
		loop:      NewLoop(4096),
		flows:     newFlowPool(),
		selectRng: rand.New(rand.NewSource(cfg.Seed)),
		done:      make(chan struct{}),
	}
	e.poisson = newPoissonPool(e.loop, cfg.Seed, e.onPoissonTick, e.onArmFailure)
	e.ctl = ratectl.New(poissonAdapter{e}, loopTimers{e.loop}, e.Stop)
	return e
}

// Run resolves and connects all flows, then starts the rate controller
// and the loop, blocking until the run finishes (either the configured
// duration elapses, the script's schedule ends, or ctx is cancelled).
func (e *Engine) Run(ctx context.Context) error {
	maxRate := e.cfg.StaticRate
	if e.cfg.RateMode != config.RateModeStatic {
		e.scheduleEntries = e.readScript()
		maxRate = peakRateFromEntries(e.cfg.RateMode, e.scheduleEntries)
	}
	w := ringSize(defaultMaxRTTMsec, maxRate, e.cfg.Flows)

	dialer, err := transport.NewDialer(ctx, e.cfg)
	if err != nil {
		return fmt.Errorf("resolve/probe target: %w", err)
	}
	e.dialer = dialer

	if err := transport.ConnectAllFlows(ctx, dialer, e.cfg.Flows, func(id uint32, conn transport.Conn) {
		f := newFlow(id, conn, e.cfg.Transport, w)
		e.flows.add(f)
		if e.cfg.Transport == config.TransportUDP {
			go e.readUDPLoop(f, conn)
		} else {
			go e.readTCPLoop(f, conn)
		}
	}, func(id uint32, err error) {
		e.log.Warn("flow connect failed", zap.Uint32("connection_id", id), zap.Error(err))
		if e.metrics != nil {
			e.metrics.RecordFlowError("connect")
		}
	}); err != nil {
		return fmt.Errorf("connect flows: %w", err)
	}
	if e.flows.count() == 0 {
		return fmt.Errorf("connect flows: no flows could be connected")
	}
	if e.metrics != nil {
		e.metrics.SetActiveFlows(e.flows.count())
	}
	e.log.Info("flows connected", zap.Int("count", e.flows.count()), zap.Int("ring_capacity", w))

	e.startController()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-e.done
		cancel()
	}()

	e.loop.Run(runCtx)
	if e.csv != nil {
		return e.csv.Close()
	}
	return nil
}

// Check implements metrics.HealthChecker: the engine is healthy once at
// least one flow is connected and stays that way until Stop.
func (e *Engine) Check(ctx context.Context) error {
	select {
	case <-e.done:
		return fmt.Errorf("engine stopped")
	default:
	}
	if e.flows.count() == 0 {
		return fmt.Errorf("no flows connected")
	}
	return nil
}

// Stop ends the run; safe to call from any goroutine, including more
// than once.
func (e *Engine) Stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	e.loop.Stop()
}

func (e *Engine) startController() {
	initialSources := sourceCount(e.cfg, e.cfg.StaticRate)
	switch e.cfg.RateMode {
	case config.RateModeStatic:
		n := sourceCount(e.cfg, e.cfg.StaticRate)
		e.ctl.RunStatic(e.cfg.StaticRate, n, e.cfg.Duration)
	case config.RateModeStep:
		steps := e.loadStepSchedule()
		e.ctl.RunStep(steps, initialSources)
	case config.RateModeSlope:
		slopes := e.loadSlopeSchedule()
		// Every source spawned in slope mode runs at the fixed,
		// period-derived λ (spec.md §4.2): the aggregate rate moves by
		// adding/retiring whole sources, never by rescaling λ itself.
		e.ctl.RunSlope(slopes, initialSources, sourceLambda)
	}
}

func (e *Engine) loadStepSchedule() []ratectl.Step {
	return script.ToSteps(e.scheduleEntries)
}

func (e *Engine) loadSlopeSchedule() []ratectl.Slope {
	return script.ToSlopes(e.scheduleEntries)
}

func (e *Engine) readScript() []script.Entry {
	r, closeFn, err := openScript(e.cfg.ScriptPath)
	if err != nil {
		e.log.Fatal("failed to open schedule script", zap.Error(err))
	}
	defer closeFn()
	entries, err := script.Parse(r)
	if err != nil {
		e.log.Fatal("failed to parse schedule script", zap.Error(err))
	}
	return entries
}

// onPoissonTick is invoked by the Poisson pool, already running on the
// loop goroutine, each time a source fires (spec.md §4.2 step 3).
func (e *Engine) onPoissonTick(processID uint32, interval time.Duration) {
	f := e.flows.pickUniform(e.selectRng.Intn)
	if f == nil {
		return
	}
	if err := e.emitQuery(f, processID, interval); err != nil {
		e.metrics.RecordFlowError("send")
	}
}

// onArmFailure logs a Poisson source that could not re-arm, per spec.md
// §4.5 failure semantics: the source stops firing but is not removed.
func (e *Engine) onArmFailure(processID uint32) {
	e.log.Warn("poisson source failed to re-arm", zap.Uint32("process_id", processID))
}

// defaultMaxRTTMsec is MAX_RTT_MSEC from spec.md §4.3.
const defaultMaxRTTMsec = 60_000

// peakRateFromEntries gives the ring-sizing formula (spec.md §4.3) a
// concrete rate ceiling for step/slope mode by scanning the already-
// parsed schedule: step mode's peak is simply the largest step rate;
// slope mode integrates each segment's ramp (qps/sec times its
// duration) to find the highest aggregate rate the schedule ever
// reaches, clamping at zero since a rate can't go negative.
func peakRateFromEntries(mode config.RateMode, entries []script.Entry) float64 {
	if len(entries) == 0 {
		return 0
	}
	if mode == config.RateModeStep {
		peak := 0.0
		for _, e := range entries {
			if e.Value > peak {
				peak = e.Value
			}
		}
		return peak
	}
	rate := 0.0
	peak := 0.0
	for _, e := range entries {
		durationSec := float64(e.DurationMsec) / 1000
		rate += e.Value * durationSec
		if rate < 0 {
			rate = 0
		}
		if rate > peak {
			peak = rate
		}
	}
	return peak
}

// sourceCount derives N from the target rate using
// PoissonProcessPeriodMsec, per spec.md §4.2.
func sourceCount(cfg *config.Config, rate float64) int {
	if rate <= 0 {
		return 1
	}
	n := int(rate * PoissonProcessPeriodMsec / 1000)
	if n < 1 {
		n = 1
	}
	return n
}

// poissonAdapter exposes Engine's Poisson pool as a ratectl.PoissonPool
// without leaking poissonPool's unexported type across the package
// boundary.
type poissonAdapter struct{ e *Engine }

func (a poissonAdapter) Count() int                { return a.e.poisson.count() }
func (a poissonAdapter) SpawnAt(rate float64) uint32 {
	// By the time SpawnAt runs, the controller's own StartupGrace timer
	// has already elapsed (or this is a mid-run slope rebalance); either
	// way the source should self-sample its first tick, not wait another
	// grace period.
	id := a.e.poisson.spawn(rate, 0)
	if a.e.metrics != nil {
		a.e.metrics.SetPoissonSources(a.e.poisson.count())
	}
	return id
}
func (a poissonAdapter) RetireOne() bool {
	ok := a.e.poisson.retireOne()
	if ok && a.e.metrics != nil {
		a.e.metrics.SetPoissonSources(a.e.poisson.count())
	}
	return ok
}
func (a poissonAdapter) SetAllRates(rate float64) {
	a.e.poisson.setAllRates(rate)
	if a.e.metrics != nil {
		a.e.metrics.SetRateKnob(rate * float64(a.e.poisson.count()))
	}
}

// loopTimers adapts Loop to ratectl.Timers: every fire is posted back to
// the loop so controller state is only ever touched from that goroutine.
type loopTimers struct{ loop *Loop }

func (t loopTimers) After(d time.Duration, fn func()) ratectl.Cancel {
	timer := time.AfterFunc(d, func() {
		t.loop.Post(fn)
	})
	return timerCancel{timer}
}

type timerCancel struct{ timer *time.Timer }

func (c timerCancel) Cancel() { c.timer.Stop() }

// openScript opens the schedule script, treating "-" as stdin, per
// spec.md §6's "script input (stdin)" phrasing generalized to also
// accept a file path for convenience.
func openScript(path string) (io.Reader, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/drainflow/internal/logging"
	"github.com/signalsfoundry/drainflow/internal/sim/state"
	"github.com/signalsfoundry/drainflow/measure"
	"github.com/signalsfoundry/drainflow/model"
	"github.com/signalsfoundry/drainflow/timectrl"
	"github.com/signalsfoundry/drainflow/timeline"
	"github.com/signalsfoundry/drainflow/transport"
)

const tracerName = "github.com/signalsfoundry/drainflow/internal/sim/engine"

var (
	// ErrInvalidTransition is returned for lifecycle calls not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrWorkerFault wraps a panic recovered from a worker's movement phase.
	ErrWorkerFault = errors.New("worker fault")
)

// MetricsRecorder receives per-cycle figures from the sync phase.
type MetricsRecorder interface {
	ObserveCycle(took time.Duration, simTimeMs int64, live int)
	AddExited(n int)
	AddHeld(n int)
	AddWorkerFault()
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Controller) { c.metrics = m }
}

// withAdvanceHook runs fn before every particle advance. Tests use it to
// inject faults.
func withAdvanceHook(fn func(worker int, p *model.Particle)) Option {
	return func(c *Controller) { c.hook = fn }
}

// Snapshot is a consistent view of the run taken at a sync phase.
type Snapshot struct {
	TimeMs int64
	Cycle  int64
	State  State
	*state.ScenarioSnapshot
}

// Controller runs one scenario. It owns a fixed worker pool for the run's
// lifetime and alternates between a parallel movement phase and a
// single-threaded sync phase.
type Controller struct {
	st      *state.ScenarioState
	cfg     Config
	log     logging.Logger
	metrics MetricsRecorder
	hook    func(worker int, p *model.Particle)

	kernel  *transport.Kernel
	clock   *timectrl.Clock
	index   *timeline.TimeIndex
	result  *measure.Result
	workers []*worker
	bus     *eventBus

	mu       sync.Mutex
	state    State
	pauseReq bool
	err      error

	stop      atomic.Bool
	stopWatch func() bool
	wake      chan struct{}
	snapReq   chan chan Snapshot
	done      chan struct{}
	wg        sync.WaitGroup

	// Owned by the coordinator; workers read plan and quit only after the
	// sync barrier.
	syncB  *barrier
	moveB  *barrier
	plan   []substep
	quit   bool
	cycle  int64
	live   int
	exited int
	faults atomic.Int64
}

// New validates cfg and st and prepares a run. Configuration problems are
// returned here and never surface once the run has started.
func New(st *state.ScenarioState, cfg Config, opts ...Option) (*Controller, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: nil scenario", ErrInvalidConfig)
	}
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	c := &Controller{
		st:      st,
		cfg:     cfg,
		log:     logging.Noop(),
		wake:    make(chan struct{}, 1),
		snapReq: make(chan chan Snapshot),
		done:    make(chan struct{}),
		bus:     newEventBus(cfg.EventBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = c.log.With(logging.String("component", "engine"))

	policy, err := transport.PolicyByName(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.kernel, err = transport.NewKernel(transport.Config{
		Dispersion: cfg.Dispersion,
		MaxHops:    cfg.MaxHops,
		Routing:    policy,
		Log:        c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	start, end := st.TimeRange()
	mode, _ := cfg.clockMode()
	c.clock = timectrl.NewClock(start, end, mode)
	c.clock.Scale = cfg.TimeScale
	c.index = st.Store().Index()

	layout, err := measure.NewLayout(st.Stations(), len(st.Network().Junctions()), start, cfg.BinMs)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	c.result = measure.NewResult(layout)

	particles := st.Particles()
	for i, part := range partition(particles, cfg.Workers) {
		w := newWorker(i, part, c.kernel, layout, cfg.Seed, &c.stop)
		w.hook = c.hook
		c.workers = append(c.workers, w)
	}
	c.live = countLive(particles)
	for _, p := range particles {
		if p.State == model.StateExited {
			c.exited++
		}
	}

	parties := cfg.Workers + 1
	c.syncB = newBarrier(parties)
	c.moveB = newBarrier(parties)
	return c, nil
}

//
// ---------- Lifecycle ----------
//

// Start launches the worker pool and returns immediately. Cancelling ctx
// stops the run as Stop does; Wait then reports the context's error.
func (c *Controller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.state != StateInit {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s)
	}
	c.state = StateRunning
	c.mu.Unlock()

	ctx, log := logging.WithRunLogger(ctx, c.log)
	c.log = log
	c.plan = c.nextPlan()

	c.stopWatch = context.AfterFunc(ctx, func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = context.Cause(ctx)
		}
		c.mu.Unlock()
		c.interrupt()
	})

	c.bus.publish(Event{Type: EventStarted, TimeMs: c.clock.NowMillis(), Live: c.live, Exited: c.exited})
	c.log.Info(ctx, "run started",
		logging.Int("workers", len(c.workers)),
		logging.Int("particles", c.live),
		logging.Int64("start_ms", c.clock.StartMs),
		logging.Int64("end_ms", c.clock.EndMs),
		logging.String("routing", c.kernel.Routing().Name()),
		logging.Float64("dispersion", c.kernel.Dispersion()),
	)

	c.wg.Add(len(c.workers))
	for _, w := range c.workers {
		go c.runWorker(ctx, w)
	}
	go c.coordinate(ctx)
	return nil
}

// Run starts the controller and blocks until it finishes or stops.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.Wait()
}

// Wait blocks until the run has ended and every worker has returned.
func (c *Controller) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the run has ended.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Pause asks the run to pause at the next sync phase. The state changes to
// Paused, and EventPaused is published, once that happens.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning:
		c.pauseReq = true
		return nil
	case StatePaused:
		return nil
	default:
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, c.state)
	}
}

// Resume continues a paused run, or cancels a pause not yet taken.
func (c *Controller) Resume() error {
	c.mu.Lock()
	switch c.state {
	case StatePaused:
		c.state = StateRunning
		c.mu.Unlock()
		c.signal()
		return nil
	case StateRunning:
		c.pauseReq = false
		c.mu.Unlock()
		return nil
	default:
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s)
	}
}

// Stop ends the run. Workers stop at their next particle; a cycle that was
// cut short is rolled back so the final state is that of the last completed
// sync phase.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateInit:
		c.state = StateStopped
		c.mu.Unlock()
		c.bus.publish(Event{Type: EventStopped, TimeMs: c.clock.NowMillis(), Live: c.live, Exited: c.exited})
		c.bus.close()
		close(c.done)
		return nil
	case StateRunning, StatePaused:
		c.mu.Unlock()
		c.interrupt()
		return nil
	default:
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, s)
	}
}

func (c *Controller) interrupt() {
	c.stop.Store(true)
	c.signal()
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the notification channel. It is closed after the final
// Stopped or Finished event.
func (c *Controller) Events() <-chan Event { return c.bus.events() }

// DroppedEvents counts StepFinished events discarded because the consumer
// fell behind.
func (c *Controller) DroppedEvents() int64 { return c.bus.dropped.Load() }

// Result returns the shared measurement result. It is safe to read while
// the run is in progress.
func (c *Controller) Result() *measure.Result { return c.result }

// Clock returns the run clock.
func (c *Controller) Clock() *timectrl.Clock { return c.clock }

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Failures returns per-class counts of recovered topology problems.
func (c *Controller) Failures() map[string]int64 { return c.kernel.Failures() }

// WorkerFaults counts recovered worker panics.
func (c *Controller) WorkerFaults() int64 { return c.faults.Load() }

// Snapshot returns the particle state at the most recent sync phase. While
// running, the request is served by the next sync phase.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.state == StateInit {
		s := c.snapshot(StateInit)
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	reply := make(chan Snapshot, 1)
	select {
	case c.snapReq <- reply:
		select {
		case s := <-reply:
			return s, nil
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	case <-c.done:
		return c.snapshot(c.State()), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Controller) snapshot(s State) Snapshot {
	now := c.clock.NowMillis()
	return Snapshot{
		TimeMs:           now,
		Cycle:            c.cycle,
		State:            s,
		ScenarioSnapshot: c.st.Snapshot(now),
	}
}

//
// ---------- Stepping loop ----------
//

func (c *Controller) runWorker(ctx context.Context, w *worker) {
	defer c.wg.Done()
	for {
		if !c.syncB.Wait() || c.quit {
			return
		}
		w.runCycle(ctx, c.plan)
		if !c.moveB.Wait() {
			return
		}
	}
}

func (c *Controller) coordinate(ctx context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.Run", trace.WithAttributes(
		attribute.Int("workers", len(c.workers)),
		attribute.Int("particles", c.live),
		attribute.Int64("start_ms", c.clock.StartMs),
		attribute.Int64("end_ms", c.clock.EndMs),
	))
	defer span.End()

	final := StateFinished
	defer func() {
		if r := recover(); r != nil {
			c.syncB.Break()
			c.moveB.Break()
			err := fmt.Errorf("engine: sync phase panic: %v", r)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			span.RecordError(err)
			c.log.Error(ctx, "sync phase panicked; run aborted", logging.Err(err))
			final = StateStopped
		}
		c.finish(ctx, final)
	}()

	if c.live == 0 {
		c.quit = true
	}
	for {
		c.syncB.Wait()
		if c.quit {
			break
		}
		c.moveB.Wait()
		c.quit, final = c.syncPhase(ctx)
	}
	span.SetAttributes(attribute.Int64("cycles", c.cycle))
}

// syncPhase runs on the coordinator while every worker waits at the sync
// barrier. It reports whether the run is over and in which state.
func (c *Controller) syncPhase(ctx context.Context) (bool, State) {
	began := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.sync",
		trace.WithAttributes(attribute.Int64("cycle", c.cycle)))
	defer span.End()

	for _, w := range c.workers {
		if w.stats.interrupted {
			for _, w := range c.workers {
				w.rollback()
			}
			span.AddEvent("cycle rolled back")
			return true, StateStopped
		}
	}

	var live, exited, held int
	for _, w := range c.workers {
		c.result.Merge(w.buf)
		live += w.stats.live
		exited += w.stats.exited
		held += w.stats.held
		for _, err := range w.stats.faults {
			c.workerFault(ctx, w.id, err)
		}
	}
	c.result.AddSubsteps(len(c.plan))

	last := c.plan[len(c.plan)-1]
	now := c.clock.Advance(last.timeMs + last.dtMs - c.clock.NowMillis())
	c.cycle++
	c.live = live
	c.exited += exited

	if c.metrics != nil {
		c.metrics.ObserveCycle(time.Since(began), now, live)
		c.metrics.AddExited(exited)
		c.metrics.AddHeld(held)
	}
	c.bus.publish(Event{
		Type:     EventStepFinished,
		Cycle:    c.cycle,
		TimeMs:   now,
		Progress: c.clock.Progress(),
		Live:     live,
		Exited:   c.exited,
	})

	switch {
	case live == 0:
		return true, StateFinished
	case c.clock.Done():
		c.expire(now)
		return true, StateFinished
	case c.stop.Load():
		return true, StateStopped
	}

	c.serveSnapshots()
	if c.pauseGate(ctx) {
		return true, StateStopped
	}
	c.plan = c.nextPlan()
	return false, StateRunning
}

// nextPlan lays out the substeps of the coming cycle. The last substep of
// the run is shortened so the clock lands exactly on the end time.
func (c *Controller) nextPlan() []substep {
	plan := c.plan[:0]
	t := c.clock.NowMillis()
	for i := 0; i < c.cfg.SubstepsPerCycle && t < c.clock.EndMs; i++ {
		dt := min(c.cfg.DtMs, c.clock.EndMs-t)
		plan = append(plan, substep{timeMs: t, dtMs: dt, index: c.index.IndexFor(t)})
		t += dt
	}
	return plan
}

func (c *Controller) workerFault(ctx context.Context, worker int, err error) {
	c.faults.Add(1)
	c.log.Error(ctx, "worker fault; partition skipped for one substep",
		logging.Int("worker", worker), logging.Err(err))
	if c.metrics != nil {
		c.metrics.AddWorkerFault()
	}
	c.bus.publish(Event{
		Type:   EventWorkerFault,
		Cycle:  c.cycle,
		TimeMs: c.clock.NowMillis(),
		Worker: worker,
		Err:    err,
	})
}

// expire finishes every particle still in the network when the clock ends.
func (c *Controller) expire(nowMs int64) {
	n := 0
	for _, w := range c.workers {
		for _, p := range w.particles {
			if !p.Finished() {
				p.Finish(model.StateExpired, nowMs)
				n++
			}
		}
	}
	c.live = 0
	if n > 0 {
		c.log.Info(context.Background(), "particles still in the network at end time",
			logging.Int("expired", n), logging.Int64("time_ms", nowMs))
	}
}

func (c *Controller) serveSnapshots() {
	for {
		select {
		case reply := <-c.snapReq:
			reply <- c.snapshot(c.State())
		default:
			return
		}
	}
}

// pauseGate blocks the sync phase while a pause is in effect. It reports
// whether the run was stopped while paused.
func (c *Controller) pauseGate(ctx context.Context) bool {
	c.mu.Lock()
	if !c.pauseReq {
		c.mu.Unlock()
		return false
	}
	c.pauseReq = false
	c.state = StatePaused
	c.mu.Unlock()

	now := c.clock.NowMillis()
	c.bus.publish(Event{Type: EventPaused, Cycle: c.cycle, TimeMs: now, Progress: c.clock.Progress(), Live: c.live, Exited: c.exited})
	c.log.Info(ctx, "run paused", logging.Int64("time_ms", now), logging.Int64("cycle", c.cycle))

	for {
		select {
		case <-c.wake:
			if c.stop.Load() {
				return true
			}
			if c.State() == StateRunning {
				c.clock.ResetPacing()
				c.bus.publish(Event{Type: EventResumed, Cycle: c.cycle, TimeMs: now, Progress: c.clock.Progress(), Live: c.live, Exited: c.exited})
				c.log.Info(ctx, "run resumed", logging.Int64("time_ms", now))
				return false
			}
		case reply := <-c.snapReq:
			reply <- c.snapshot(StatePaused)
		}
	}
}

func (c *Controller) finish(ctx context.Context, final State) {
	c.wg.Wait()
	if c.stopWatch != nil {
		c.stopWatch()
	}

	c.mu.Lock()
	c.state = final
	c.pauseReq = false
	c.mu.Unlock()

	ev := EventFinished
	if final == StateStopped {
		ev = EventStopped
	}
	now := c.clock.NowMillis()
	c.bus.publish(Event{
		Type:     ev,
		Cycle:    c.cycle,
		TimeMs:   now,
		Progress: c.clock.Progress(),
		Live:     c.live,
		Exited:   c.exited,
	})
	c.log.Info(ctx, "run "+final.String(),
		logging.Int64("time_ms", now),
		logging.Int64("cycles", c.cycle),
		logging.Int("live", c.live),
		logging.Int("exited", c.exited),
		logging.Int64("worker_faults", c.faults.Load()),
	)
	c.bus.close()
	close(c.done)
}

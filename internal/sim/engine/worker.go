package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/signalsfoundry/drainflow/core"
	"github.com/signalsfoundry/drainflow/measure"
	"github.com/signalsfoundry/drainflow/model"
	"github.com/signalsfoundry/drainflow/transport"
)

var errInterrupted = errors.New("interrupted")

// substep is one kernel step as planned by the sync phase.
type substep struct {
	timeMs int64
	dtMs   int64
	index  int
}

// saved is the part of a particle a substep may change.
type saved struct {
	capacity   core.Capacity
	position   float64
	state      model.ParticleState
	finishedAt int64
	points     int
}

// undo holds a copy of a partition taken before it is advanced.
type undo []saved

func (u *undo) save(ps []*model.Particle) {
	s := (*u)[:0]
	for _, p := range ps {
		v := saved{capacity: p.Capacity, position: p.Position, state: p.State, finishedAt: p.FinishedAt}
		if p.Trajectory != nil {
			v.points = len(p.Trajectory.Points)
		}
		s = append(s, v)
	}
	*u = s
}

func (u undo) restore(ps []*model.Particle) {
	for i, p := range ps {
		v := u[i]
		p.Capacity, p.Position, p.State, p.FinishedAt = v.capacity, v.position, v.state, v.finishedAt
		if p.Trajectory != nil && len(p.Trajectory.Points) > v.points {
			p.Trajectory.Points = p.Trajectory.Points[:v.points]
		}
	}
}

// cycleStats is what a worker reports to the sync phase.
type cycleStats struct {
	// live counts particles waiting or in the network after the last substep.
	live   int
	exited int
	held   int
	faults []error
	// interrupted is set when the worker stopped before finishing the cycle.
	interrupted bool
}

// worker owns one contiguous slice of the particle population for the whole
// run, together with its random stream and measurement buffer. Nothing in a
// worker is touched by another goroutine during the movement phase.
type worker struct {
	id        int
	particles []*model.Particle
	kernel    *transport.Kernel
	buf       *measure.Buffer
	step      transport.Step

	cycleUndo undo
	stepUndo  undo
	stats     cycleStats

	stop *atomic.Bool
	hook func(worker int, p *model.Particle)
}

func newWorker(id int, ps []*model.Particle, k *transport.Kernel, l *measure.Layout, seed uint64, stop *atomic.Bool) *worker {
	w := &worker{
		id:        id,
		particles: ps,
		kernel:    k,
		buf:       measure.NewBuffer(l),
		stop:      stop,
	}
	w.step.Rng = rand.New(rand.NewPCG(seed, uint64(id)))
	w.step.Rec = w.buf
	return w
}

// runCycle advances the partition through every substep of plan.
func (w *worker) runCycle(ctx context.Context, plan []substep) {
	w.stats = cycleStats{faults: w.stats.faults[:0]}
	w.cycleUndo.save(w.particles)
	for _, sub := range plan {
		err := w.substep(ctx, sub)
		if errors.Is(err, errInterrupted) {
			w.stats.interrupted = true
			return
		}
		if err != nil {
			w.stats.faults = append(w.stats.faults, err)
		}
	}
}

// substep moves every particle of the partition once. A panic rolls the
// partition back to where it was before the substep and drops the staged
// observations; the partition simply skips this substep.
func (w *worker) substep(ctx context.Context, sub substep) (err error) {
	w.stepUndo.save(w.particles)
	w.buf.Begin(sub.timeMs)
	w.step.Ctx, w.step.TimeMs, w.step.DtMs, w.step.Index = ctx, sub.timeMs, sub.dtMs, sub.index

	defer func() {
		if r := recover(); r != nil {
			w.stepUndo.restore(w.particles)
			w.buf.Discard()
			w.stats.live = countLive(w.particles)
			err = fmt.Errorf("%w: worker %d at %d ms: %v", ErrWorkerFault, w.id, sub.timeMs, r)
		}
	}()

	var live, exited, held int
	for _, p := range w.particles {
		if w.stop.Load() {
			w.buf.Discard()
			return errInterrupted
		}
		if w.hook != nil {
			w.hook(w.id, p)
		}
		switch w.kernel.Advance(p, &w.step) {
		case transport.Moved, transport.Waiting:
			live++
		case transport.Held:
			live++
			held++
		case transport.Exited:
			exited++
		}
	}
	w.buf.Commit()
	w.stats.live = live
	w.stats.exited += exited
	w.stats.held += held
	return nil
}

// rollback returns the partition to the start of the current cycle.
func (w *worker) rollback() {
	w.cycleUndo.restore(w.particles)
	w.buf.Drop()
	w.stats = cycleStats{faults: w.stats.faults[:0], live: countLive(w.particles)}
}

func countLive(ps []*model.Particle) int {
	n := 0
	for _, p := range ps {
		if !p.Finished() {
			n++
		}
	}
	return n
}

// partition splits ps into n contiguous slices whose sizes differ by at
// most one.
func partition(ps []*model.Particle, n int) [][]*model.Particle {
	out := make([][]*model.Particle, n)
	for i := range out {
		lo, hi := i*len(ps)/n, (i+1)*len(ps)/n
		out[i] = ps[lo:hi:hi]
	}
	return out
}

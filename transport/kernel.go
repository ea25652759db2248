// Package transport advances particles through the network one substep at a
// time: advection by the pipe velocity, a random-walk dispersion term and
// discharge-weighted routing at junctions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/signalsfoundry/drainflow/core"
	"github.com/signalsfoundry/drainflow/internal/logging"
	"github.com/signalsfoundry/drainflow/model"
)

// ErrInvalidConfig is returned for kernel settings or routing policy names
// that cannot be used.
var ErrInvalidConfig = errors.New("invalid transport config")

// Failure classes reported once per kernel through logging.Once.
const (
	ClassNoOutflow   = "routing.no_outflow"
	ClassDeadEnd     = "routing.dead_end"
	ClassHopLimit    = "kernel.hop_limit"
	ClassBadCapacity = "kernel.bad_capacity"
)

// DefaultMaxHops is used when Config.MaxHops is zero.
const DefaultMaxHops = 64

// Recorder receives the observations the kernel makes while moving a
// particle. measure.Buffer implements it.
type Recorder interface {
	// Move reports travel from a to b along pipe, both clipped to the pipe.
	Move(pipe *core.Pipe, from, to float64, p *model.Particle)
	// Present reports the particle's final position in pipe for the substep.
	Present(pipe *core.Pipe, pos float64, p *model.Particle)
	// Pass reports routing through a junction.
	Pass(j core.Junction, p *model.Particle)
	// Exit reports the particle leaving the network at an outlet.
	Exit(j core.Junction, p *model.Particle)
}

type nopRecorder struct{}

func (nopRecorder) Move(*core.Pipe, float64, float64, *model.Particle) {}
func (nopRecorder) Present(*core.Pipe, float64, *model.Particle)       {}
func (nopRecorder) Pass(core.Junction, *model.Particle)                {}
func (nopRecorder) Exit(core.Junction, *model.Particle)                {}

// NopRecorder discards every observation.
func NopRecorder() Recorder { return nopRecorder{} }

// Config parameterises a Kernel.
type Config struct {
	// Dispersion is the coefficient K in m2/s. Zero disables the random walk.
	Dispersion float64
	// MaxHops bounds junction crossings per particle per substep.
	MaxHops int
	// Routing picks the outgoing pipe at junctions. Nil means linear
	// discharge weighting.
	Routing RoutingPolicy
	Log     logging.Logger
}

// Kernel is the per-particle transport step. It holds no per-particle state
// and is safe for concurrent use; all mutable state lives in the particle and
// in the Step owned by the calling worker.
type Kernel struct {
	k       float64
	maxHops int
	routing RoutingPolicy
	once    *logging.Once
}

// NewKernel validates cfg and builds a kernel.
func NewKernel(cfg Config) (*Kernel, error) {
	if math.IsNaN(cfg.Dispersion) || math.IsInf(cfg.Dispersion, 0) || cfg.Dispersion < 0 {
		return nil, fmt.Errorf("%w: dispersion coefficient %v", ErrInvalidConfig, cfg.Dispersion)
	}
	if cfg.MaxHops < 0 {
		return nil, fmt.Errorf("%w: max hops %d", ErrInvalidConfig, cfg.MaxHops)
	}
	k := &Kernel{
		k:       cfg.Dispersion,
		maxHops: cfg.MaxHops,
		routing: cfg.Routing,
	}
	if k.maxHops == 0 {
		k.maxHops = DefaultMaxHops
	}
	if k.routing == nil {
		k.routing = DischargeWeighted{Exponent: 1}
	}
	log := cfg.Log
	if log == nil {
		log = logging.Noop()
	}
	k.once = logging.NewOnce(log.With(logging.String("component", "transport")))
	return k, nil
}

// Dispersion returns K.
func (k *Kernel) Dispersion() float64 { return k.k }

// Routing returns the junction routing policy.
func (k *Kernel) Routing() RoutingPolicy { return k.routing }

// Failures returns per-class counts of recovered topology problems.
func (k *Kernel) Failures() map[string]int64 { return k.once.Counts() }

// Step is the per-worker context of one substep.
type Step struct {
	Ctx context.Context
	// TimeMs is the simulated time at the start of the substep.
	TimeMs int64
	// DtMs is the substep length.
	DtMs int64
	// Index is the timeline index for TimeMs.
	Index int
	Rng   *rand.Rand
	Rec   Recorder

	cands []Candidate
}

func (s *Step) dt() float64 { return float64(s.DtMs) / 1000 }

func (s *Step) end() int64 { return s.TimeMs + s.DtMs }

// Outcome describes what one Advance did to a particle.
type Outcome int

const (
	// Moved: the particle is in a pipe after the substep.
	Moved Outcome = iota
	// Held: the particle waits in a junction with no usable outflow.
	Held
	// Exited: the particle reached an outlet and finished.
	Exited
	// Waiting: the particle is not injected yet.
	Waiting
	// Skipped: the particle was already finished or had no capacity.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Moved:
		return "moved"
	case Held:
		return "held"
	case Exited:
		return "exited"
	case Waiting:
		return "waiting"
	default:
		return "skipped"
	}
}

// Advance moves p by one substep.
func (k *Kernel) Advance(p *model.Particle, s *Step) Outcome {
	if s.Rec == nil {
		s.Rec = nopRecorder{}
	}
	if s.Ctx == nil {
		s.Ctx = context.Background()
	}
	switch p.State {
	case model.StateWaiting:
		if !p.Activate(s.TimeMs) {
			return Waiting
		}
	case model.StateActive:
	default:
		return Skipped
	}

	var pipe *core.Pipe
	switch c := p.Capacity.(type) {
	case *core.Pipe:
		pipe = c
	case core.Junction:
		if c.IsOutlet() {
			return k.exit(p, c, s)
		}
		next := k.route(s, c, c.Outgoing(), true)
		if next == nil {
			return Held
		}
		s.Rec.Pass(c, p)
		pipe = next
		p.Capacity, p.Position = pipe, 0
	default:
		k.once.Warn(s.Ctx, ClassBadCapacity, "particle without a pipe or junction skipped",
			logging.Int("particle", p.ID), logging.Any("capacity", p.Capacity))
		return Skipped
	}

	v := float64(pipe.Timeline.Velocity(s.Index))
	dt := s.dt()
	disp := v * dt
	if k.k > 0 {
		disp += s.Rng.NormFloat64() * math.Sqrt(2*k.k*dt)
	}
	return k.displace(p, pipe, disp, s)
}

// displace walks p by disp metres from its current position in pipe,
// crossing junctions as needed.
func (k *Kernel) displace(p *model.Particle, pipe *core.Pipe, disp float64, s *Step) Outcome {
	pos := p.Position
	target := pos + disp
	forward := disp > 0

	for hop := 0; ; hop++ {
		l := pipe.Length()
		switch {
		case target > l || (forward && l == 0):
			s.Rec.Move(pipe, pos, l, p)
			j := pipe.To
			if j.IsOutlet() {
				return k.exit(p, j, s)
			}
			if hop >= k.maxHops {
				return k.hopLimit(p, pipe, l, s)
			}
			next := k.route(s, j, j.Outgoing(), true)
			if next == nil {
				p.Capacity, p.Position = j, 0
				p.Record(s.end())
				return Held
			}
			s.Rec.Pass(j, p)
			target -= l
			pipe, pos = next, 0

		case target < 0:
			s.Rec.Move(pipe, pos, 0, p)
			j := pipe.From
			in := j.Incoming()
			if len(in) == 0 {
				// Head of the network: closed boundary.
				return k.settle(p, pipe, 0, s)
			}
			if hop >= k.maxHops {
				return k.hopLimit(p, pipe, 0, s)
			}
			prev := k.route(s, j, in, false)
			if prev == nil {
				p.Capacity, p.Position = j, 0
				p.Record(s.end())
				return Held
			}
			s.Rec.Pass(j, p)
			target += prev.Length()
			pipe, pos = prev, prev.Length()

		default:
			s.Rec.Move(pipe, pos, target, p)
			return k.settle(p, pipe, target, s)
		}
	}
}

func (k *Kernel) settle(p *model.Particle, pipe *core.Pipe, pos float64, s *Step) Outcome {
	p.Capacity, p.Position = pipe, pos
	s.Rec.Present(pipe, pos, p)
	p.Record(s.end())
	return Moved
}

func (k *Kernel) exit(p *model.Particle, j core.Junction, s *Step) Outcome {
	p.Capacity, p.Position = j, 0
	s.Rec.Exit(j, p)
	p.Finish(model.StateExited, s.end())
	return Exited
}

func (k *Kernel) hopLimit(p *model.Particle, pipe *core.Pipe, pos float64, s *Step) Outcome {
	k.once.Warn(s.Ctx, ClassHopLimit, "particle crossed too many junctions in one substep; clamped",
		logging.Int("particle", p.ID), logging.String("pipe", pipe.ID()), logging.Int("max_hops", k.maxHops))
	return k.settle(p, pipe, pos, s)
}

// route collects candidates with positive discharge among pipes and asks the
// routing policy to pick one. Nil means hold.
func (k *Kernel) route(s *Step, j core.Junction, pipes []*core.Pipe, downstream bool) *core.Pipe {
	if len(pipes) == 0 {
		k.once.Warn(s.Ctx, ClassDeadEnd, "junction without outgoing pipes holds particles",
			logging.String("junction", j.ID()))
		return nil
	}
	s.cands = s.cands[:0]
	for _, p := range pipes {
		q := float64(p.Timeline.Discharge(s.Index))
		if q > 0 {
			s.cands = append(s.cands, Candidate{Pipe: p, Discharge: q})
		}
	}
	if len(s.cands) == 0 {
		dir := "downstream"
		if !downstream {
			dir = "upstream"
		}
		k.once.Warn(s.Ctx, ClassNoOutflow, "no pipe with positive discharge; particle held in junction",
			logging.String("junction", j.ID()), logging.String("direction", dir))
		return nil
	}
	var u float64
	if len(s.cands) > 1 {
		u = s.Rng.Float64()
	}
	i := k.routing.Choose(s.cands, u)
	if i < 0 || i >= len(s.cands) {
		return nil
	}
	return s.cands[i].Pipe
}

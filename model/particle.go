package model

import (
	"github.com/signalsfoundry/drainflow/core"
)

// ParticleState tracks a particle through its active life.
type ParticleState int

const (
	// StateWaiting particles have not been injected yet.
	StateWaiting ParticleState = iota
	// StateActive particles are moved by the kernel every substep.
	StateActive
	// StateExited particles left the network through an outlet.
	StateExited
	// StateExpired particles were still in the network when the run ended.
	StateExpired
)

func (s ParticleState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateExited:
		return "exited"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Particle is one parcel of transported mass. It is always owned by exactly
// one capacity; Position is metres from the pipe inlet, and 0 inside a
// junction.
type Particle struct {
	ID       int
	Capacity core.Capacity
	Position float64
	Mass     float64
	Material *Material

	// InjectedAt is the simulated time (ms) the particle becomes active.
	InjectedAt int64
	State      ParticleState
	// FinishedAt is set when the particle exits or expires.
	FinishedAt int64

	// Trajectory is non-nil for particles selected for detailed history.
	Trajectory *Trajectory
}

// TrajectoryPoint is one recorded particle location.
type TrajectoryPoint struct {
	TimeMs     int64
	CapacityID string
	Position   float64
}

// Trajectory is the ordered location log of a tracked particle.
type Trajectory struct {
	Points []TrajectoryPoint
}

// Track enables trajectory logging on p.
func (p *Particle) Track() {
	if p.Trajectory == nil {
		p.Trajectory = &Trajectory{}
	}
}

// Record appends the particle's current location to its trajectory, if it
// has one.
func (p *Particle) Record(timeMs int64) {
	if p.Trajectory == nil || p.Capacity == nil {
		return
	}
	p.Trajectory.Points = append(p.Trajectory.Points, TrajectoryPoint{
		TimeMs:     timeMs,
		CapacityID: p.Capacity.ID(),
		Position:   p.Position,
	})
}

// Active reports whether the kernel should move p.
func (p *Particle) Active() bool { return p.State == StateActive }

// Finished reports whether p has left active processing.
func (p *Particle) Finished() bool {
	return p.State == StateExited || p.State == StateExpired
}

// Finish moves p into a terminal state at timeMs. It is a no-op for
// particles that already finished.
func (p *Particle) Finish(state ParticleState, timeMs int64) {
	if p.Finished() {
		return
	}
	p.State = state
	p.FinishedAt = timeMs
	p.Record(timeMs)
}

// Activate injects a waiting particle once the clock reaches InjectedAt.
// It reports whether the particle became active.
func (p *Particle) Activate(nowMs int64) bool {
	if p.State != StateWaiting || nowMs < p.InjectedAt {
		return false
	}
	p.State = StateActive
	p.Record(nowMs)
	return true
}

// TotalMass sums the mass of ps regardless of state.
func TotalMass(ps []*Particle) float64 {
	var m float64
	for _, p := range ps {
		m += p.Mass
	}
	return m
}

// CountByState tallies ps per state.
func CountByState(ps []*Particle) map[ParticleState]int {
	out := make(map[ParticleState]int, 4)
	for _, p := range ps {
		out[p.State]++
	}
	return out
}

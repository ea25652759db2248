// internal/sim/state/state.go
package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/signalsfoundry/drainflow/core"
	"github.com/signalsfoundry/drainflow/internal/logging"
	"github.com/signalsfoundry/drainflow/measure"
	"github.com/signalsfoundry/drainflow/model"
	"github.com/signalsfoundry/drainflow/timeline"
)

// Re-export network sentinel errors so callers can depend on state.*
// instead of core.* directly if they want to.
var (
	// ErrCapacityNotFound indicates a referenced pipe or junction is missing.
	ErrCapacityNotFound = core.ErrCapacityNotFound
	// ErrCapacityExists indicates a duplicate pipe or junction ID.
	ErrCapacityExists = core.ErrCapacityExists
	// ErrMaterialExists indicates a duplicate material ID.
	ErrMaterialExists = errors.New("material already exists")
	// ErrMaterialNotFound indicates a referenced material is missing.
	ErrMaterialNotFound = errors.New("material not found")
	// ErrParticleInvalid indicates a particle failed validation.
	ErrParticleInvalid = errors.New("invalid particle")
	// ErrTimeRange indicates an empty or inverted simulation window.
	ErrTimeRange = errors.New("invalid time range")
	// ErrNoTimeline indicates the network has no hydraulic timeline attached.
	ErrNoTimeline = errors.New("no timeline attached")
)

// ScenarioState holds one run's inputs: the network with its timelines, the
// materials and the initial particle population, and the measurement
// stations. It is populated before the run and treated as read-only by the
// controller, except for particles, which the workers own while running.
type ScenarioState struct {
	mu sync.RWMutex

	net   *core.Network
	store timeline.Store

	materials map[string]*model.Material
	particles []*model.Particle
	stations  []*measure.Station

	startMs int64
	endMs   int64

	// log is an optional structured logger for state-level events.
	log logging.Logger

	// metrics is an optional recorder for Prometheus-friendly gauges.
	metrics ScenarioMetricsRecorder
}

// ScenarioMetricsRecorder receives count updates for core scenario entities.
type ScenarioMetricsRecorder interface {
	SetScenarioCounts(pipes, junctions, particles, stations int)
}

// ScenarioStateOption customises ScenarioState construction.
type ScenarioStateOption func(*ScenarioState)

// WithMetricsRecorder attaches an optional metrics recorder for entity counts.
func WithMetricsRecorder(m ScenarioMetricsRecorder) ScenarioStateOption {
	return func(s *ScenarioState) {
		s.metrics = m
	}
}

// WithTimeRange overrides the simulated window, which otherwise spans the
// store's time index.
func WithTimeRange(startMs, endMs int64) ScenarioStateOption {
	return func(s *ScenarioState) {
		s.startMs, s.endMs = startMs, endMs
	}
}

// NewScenarioState wraps a network whose pipes are already bound to store.
func NewScenarioState(net *core.Network, store timeline.Store, log logging.Logger, opts ...ScenarioStateOption) *ScenarioState {
	if log == nil {
		log = logging.Noop()
	}
	s := &ScenarioState{
		net:       net,
		store:     store,
		materials: make(map[string]*model.Material),
		log:       log,
	}
	if store != nil {
		s.startMs, s.endMs = store.Index().First(), store.Index().Last()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.updateMetricsLocked()
	return s
}

// Network returns the scenario network.
func (s *ScenarioState) Network() *core.Network { return s.net }

// Store returns the pipe timeline.
func (s *ScenarioState) Store() timeline.Store { return s.store }

// TimeRange returns the simulated window in milliseconds.
func (s *ScenarioState) TimeRange() (startMs, endMs int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startMs, s.endMs
}

//
// ---------- Materials ----------
//

// AddMaterial registers a material.
func (s *ScenarioState) AddMaterial(m *model.Material) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: material without id", ErrParticleInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.materials[m.ID]; ok {
		return fmt.Errorf("%w: %q", ErrMaterialExists, m.ID)
	}
	s.materials[m.ID] = m
	return nil
}

// Material returns a registered material.
func (s *ScenarioState) Material(id string) (*model.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.materials[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMaterialNotFound, id)
	}
	return m, nil
}

//
// ---------- Particles & stations ----------
//

// AddParticles appends particles to the initial population. Each must sit
// in a capacity of this network at a position within it.
func (s *ScenarioState) AddParticles(ps ...*model.Particle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range ps {
		if err := s.checkParticleLocked(p); err != nil {
			return err
		}
	}
	s.particles = append(s.particles, ps...)
	s.updateMetricsLocked()
	return nil
}

func (s *ScenarioState) checkParticleLocked(p *model.Particle) error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrParticleInvalid)
	}
	if p.Capacity == nil {
		return fmt.Errorf("%w: particle %d has no capacity", ErrParticleInvalid, p.ID)
	}
	if got := s.net.GetCapacity(p.Capacity.ID()); got != p.Capacity {
		return fmt.Errorf("%w: particle %d capacity %q", ErrCapacityNotFound, p.ID, p.Capacity.ID())
	}
	if math.IsNaN(p.Position) || p.Position < 0 || p.Position > p.Capacity.Length() {
		return fmt.Errorf("%w: particle %d position %v outside %q", ErrParticleInvalid, p.ID, p.Position, p.Capacity.ID())
	}
	if math.IsNaN(p.Mass) || math.IsInf(p.Mass, 0) || p.Mass < 0 {
		return fmt.Errorf("%w: particle %d mass %v", ErrParticleInvalid, p.ID, p.Mass)
	}
	return nil
}

// Particles returns the particle population. The particles themselves are
// shared; while a run is in progress only the controller may read them.
func (s *ScenarioState) Particles() []*model.Particle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.Particle(nil), s.particles...)
}

// AddStation registers a measurement station.
func (s *ScenarioState) AddStation(st *measure.Station) error {
	if st == nil {
		return measure.ErrBadStation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.stations {
		if other.ID == st.ID {
			return fmt.Errorf("%w: duplicate id %q", measure.ErrBadStation, st.ID)
		}
	}
	s.stations = append(s.stations, st)
	s.updateMetricsLocked()
	return nil
}

// Stations returns the registered stations.
func (s *ScenarioState) Stations() []*measure.Station {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*measure.Station(nil), s.stations...)
}

// TotalMass sums the mass of every particle, whatever its state.
func (s *ScenarioState) TotalMass() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.TotalMass(s.particles)
}

// Validate checks that the scenario can be run.
func (s *ScenarioState) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.net == nil {
		return fmt.Errorf("%w: no network", core.ErrBadInput)
	}
	if s.store == nil {
		return ErrNoTimeline
	}
	if s.endMs <= s.startMs {
		return fmt.Errorf("%w: [%d, %d]", ErrTimeRange, s.startMs, s.endMs)
	}
	if err := s.net.Validate(); err != nil {
		return err
	}
	for _, p := range s.net.Pipes() {
		if !p.Timeline.Valid() {
			return fmt.Errorf("%w: pipe %q", ErrNoTimeline, p.ID())
		}
	}
	return nil
}

//
// ---------- Snapshot ----------
//

// ParticleView is a copy of one particle's observable state.
type ParticleView struct {
	ID         int
	CapacityID string
	Position   float64
	Mass       float64
	State      model.ParticleState
	// Point is the particle's map position, interpolated along its pipe.
	Point core.Vec3
	// Level is the water level at the particle's capacity at snapshot time.
	Level float32
}

// ScenarioSnapshot captures the particle population at one instant.
type ScenarioSnapshot struct {
	Particles []ParticleView
	ByState   map[model.ParticleState]int
	// TotalMass counts every particle; ActiveMass only those still moving.
	TotalMass  float64
	ActiveMass float64
}

// Snapshot copies the particle state at simulated time nowMs. It must not
// run concurrently with the movement phase; the controller calls it from its
// sync phase.
func (s *ScenarioState) Snapshot(nowMs int64) *ScenarioSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := -1
	if s.store != nil {
		idx = s.store.Index().IndexFor(nowMs)
	}
	snap := &ScenarioSnapshot{
		Particles: make([]ParticleView, 0, len(s.particles)),
		ByState:   model.CountByState(s.particles),
	}
	for _, p := range s.particles {
		v := ParticleView{ID: p.ID, Position: p.Position, Mass: p.Mass, State: p.State}
		switch c := p.Capacity.(type) {
		case *core.Pipe:
			v.CapacityID = c.ID()
			v.Point = c.PointAt(p.Position)
			v.Level = c.Timeline.Level(idx)
		case core.Junction:
			v.CapacityID = c.ID()
			v.Point = c.Position()
			v.Level = c.Levels().Level(idx)
		case nil:
		default:
			v.CapacityID = c.ID()
		}
		snap.Particles = append(snap.Particles, v)
		snap.TotalMass += p.Mass
		if p.State == model.StateActive || p.State == model.StateWaiting {
			snap.ActiveMass += p.Mass
		}
	}
	return snap
}

//
// ---------- Timeline warm-up ----------
//

// Preloader is implemented by stores that can fill rows ahead of use.
type Preloader interface {
	Preload(ctx context.Context, rows []int) error
}

// WarmDownstream preloads the timeline rows of every pipe reachable from the
// given junctions within q. Stores that load eagerly are left alone.
func (s *ScenarioState) WarmDownstream(ctx context.Context, startIDs []string, q core.DownstreamQuery) (int, error) {
	pre, ok := s.store.(Preloader)
	if !ok {
		return 0, nil
	}
	seen := make(map[int]bool)
	var rows []int
	for _, id := range startIDs {
		pipes, err := core.FindDownstreamPipes(s.net, id, q)
		if err != nil {
			// Lookup failures are not fatal here; the rows load on first use.
			s.log.Warn(ctx, "timeline warm-up skipped start junction",
				logging.String("junction", id), logging.Err(err))
			continue
		}
		for _, p := range pipes {
			if !seen[p.Row] {
				seen[p.Row] = true
				rows = append(rows, p.Row)
			}
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}
	s.log.Debug(ctx, "warming timeline rows", logging.Int("rows", len(rows)))
	return len(rows), pre.Preload(ctx, rows)
}

// InjectionJunctions returns the distinct junctions particles start in or
// flow out of, in first-seen order.
func (s *ScenarioState) InjectionJunctions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	add := func(j core.Junction) {
		if j != nil && !seen[j.ID()] {
			seen[j.ID()] = true
			out = append(out, j.ID())
		}
	}
	for _, p := range s.particles {
		switch c := p.Capacity.(type) {
		case *core.Pipe:
			add(c.From)
		case core.Junction:
			add(c)
		}
	}
	return out
}

func (s *ScenarioState) updateMetricsLocked() {
	if s.metrics == nil || s.net == nil {
		return
	}
	pipes, manholes, storages := s.net.Counts()
	s.metrics.SetScenarioCounts(pipes, manholes+storages, len(s.particles), len(s.stations))
}

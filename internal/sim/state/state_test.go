package state

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/signalsfoundry/drainflow/core"
	"github.com/signalsfoundry/drainflow/internal/logging"
	"github.com/signalsfoundry/drainflow/model"
	"github.com/signalsfoundry/drainflow/timeline"
)

const twoPipeScenario = `
name: two-pipe
junctions:
  - {id: a, x: 0, y: 0, invert: 10}
  - {id: b, x: 100, y: 0, invert: 9}
  - {id: out, x: 200, y: 0, invert: 8, outlet: true}
pipes:
  - {id: ab, from: a, to: b}
  - {id: bo, from: b, to: out}
time: {start_ms: 0, step_ms: 300000, count: 2}
hydraulics:
  ab: {velocity: [0.5, 0.5], discharge: [1, 1]}
  bo: {velocity: [0.5, 0.5], discharge: [1, 1]}
materials:
  - {id: nh4, name: Ammonium}
injections:
  - {material: nh4, capacity: ab, count: 10, total_mass: 5, spread_ms: 10000, track: 2}
stations:
  - {id: mid, kind: section, pipe: ab, at: 50}
  - {id: tail, kind: segment, pipe: bo, from: 0, to: 100}
  - {id: outlet, kind: node, junction: out}
`

func loadTestScenario(t *testing.T, doc string, opts ...LoadOption) *ScenarioState {
	t.Helper()
	s, err := LoadScenario(strings.NewReader(doc), core.FormatYAML, logging.Noop(), opts...)
	if err != nil {
		t.Fatalf("LoadScenario() error = %v", err)
	}
	return s
}

type countsSnapshot struct {
	pipes, junctions, particles, stations int
}

type stubMetricsRecorder struct {
	records []countsSnapshot
}

func (r *stubMetricsRecorder) SetScenarioCounts(pipes, junctions, particles, stations int) {
	r.records = append(r.records, countsSnapshot{pipes, junctions, particles, stations})
}

func (r *stubMetricsRecorder) last() countsSnapshot {
	if len(r.records) == 0 {
		return countsSnapshot{}
	}
	return r.records[len(r.records)-1]
}

func TestLoadScenario(t *testing.T) {
	s := loadTestScenario(t, twoPipeScenario)

	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if start, end := s.TimeRange(); start != 0 || end != 300_000 {
		t.Fatalf("TimeRange() = %d, %d", start, end)
	}
	if m, err := s.Material("nh4"); err != nil || m.Name != "Ammonium" {
		t.Fatalf("Material(nh4) = %+v, %v", m, err)
	}

	ps := s.Particles()
	if len(ps) != 10 {
		t.Fatalf("particles = %d, want 10", len(ps))
	}
	tracked := 0
	for i, p := range ps {
		if p.ID != i {
			t.Errorf("particle %d has id %d", i, p.ID)
		}
		if p.Mass != 0.5 {
			t.Errorf("particle %d mass = %v, want 0.5", i, p.Mass)
		}
		if want := int64(i * 1000); p.InjectedAt != want {
			t.Errorf("particle %d injected at %d, want %d", i, p.InjectedAt, want)
		}
		if p.Capacity.ID() != "ab" || p.State != model.StateWaiting {
			t.Errorf("particle %d in %q state %s", i, p.Capacity.ID(), p.State)
		}
		if p.Trajectory != nil {
			tracked++
		}
	}
	if tracked != 2 {
		t.Errorf("tracked particles = %d, want 2", tracked)
	}
	if got := s.TotalMass(); got != 5 {
		t.Errorf("TotalMass() = %v, want 5", got)
	}
	if got := len(s.Stations()); got != 3 {
		t.Errorf("stations = %d, want 3", got)
	}
	if got := s.InjectionJunctions(); len(got) != 1 || got[0] != "a" {
		t.Errorf("InjectionJunctions() = %v", got)
	}
}

func TestLoadScenarioErrors(t *testing.T) {
	base := strings.SplitN(twoPipeScenario, "materials:", 2)[0]
	cases := []struct {
		name string
		tail string
		want error
	}{
		{"unknown material", "injections:\n  - {material: lead, capacity: ab, count: 1, total_mass: 1}\n", ErrMaterialNotFound},
		{"unknown capacity", "injections:\n  - {capacity: zz, count: 1, total_mass: 1}\n", ErrCapacityNotFound},
		{"zero count", "injections:\n  - {capacity: ab, count: 0, total_mass: 1}\n", ErrParticleInvalid},
		{"position outside pipe", "injections:\n  - {capacity: ab, position: 101, count: 1, total_mass: 1}\n", ErrParticleInvalid},
		{"duplicate material", "materials:\n  - {id: x}\n  - {id: x}\n", ErrMaterialExists},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadScenario(strings.NewReader(base+tc.tail), core.FormatYAML, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("LoadScenario() error = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := LoadScenario(strings.NewReader(base+"stations:\n  - {id: s, kind: gauge}\n"), core.FormatYAML, nil); err == nil {
		t.Fatal("expected error for unknown station kind")
	}
	if _, err := LoadScenario(strings.NewReader(base+"surprise: 1\n"), core.FormatYAML, nil); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestScenarioStateMetricsRecorder(t *testing.T) {
	recorder := &stubMetricsRecorder{}
	s := loadTestScenario(t, twoPipeScenario, WithStateOptions(WithMetricsRecorder(recorder)))

	if got, want := recorder.last(), (countsSnapshot{pipes: 2, junctions: 3, particles: 10, stations: 3}); got != want {
		t.Fatalf("counts = %+v, want %+v", got, want)
	}

	ab, _ := s.Network().Pipe("ab")
	if err := s.AddParticles(&model.Particle{ID: 99, Capacity: ab, Position: 10, Mass: 1}); err != nil {
		t.Fatalf("AddParticles() error = %v", err)
	}
	if got := recorder.last().particles; got != 11 {
		t.Fatalf("particles count = %d, want 11", got)
	}
}

func TestAddParticlesValidation(t *testing.T) {
	s := loadTestScenario(t, twoPipeScenario)
	ab, _ := s.Network().Pipe("ab")
	foreign := core.NewPipe("ab", "", 100)

	cases := []struct {
		name string
		p    *model.Particle
		want error
	}{
		{"nil", nil, ErrParticleInvalid},
		{"no capacity", &model.Particle{ID: 1}, ErrParticleInvalid},
		{"foreign capacity", &model.Particle{ID: 1, Capacity: foreign}, ErrCapacityNotFound},
		{"negative position", &model.Particle{ID: 1, Capacity: ab, Position: -1}, ErrParticleInvalid},
		{"negative mass", &model.Particle{ID: 1, Capacity: ab, Mass: -1}, ErrParticleInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.AddParticles(tc.p); !errors.Is(err, tc.want) {
				t.Fatalf("AddParticles() error = %v, want %v", err, tc.want)
			}
		})
	}
	if got := len(s.Particles()); got != 10 {
		t.Fatalf("rejected particles were added: %d", got)
	}
}

func TestValidate(t *testing.T) {
	s := loadTestScenario(t, twoPipeScenario, WithStateOptions(WithTimeRange(5, 5)))
	if err := s.Validate(); !errors.Is(err, ErrTimeRange) {
		t.Fatalf("Validate() error = %v, want ErrTimeRange", err)
	}

	bare := NewScenarioState(core.NewNetwork(), nil, nil)
	if err := bare.Validate(); !errors.Is(err, ErrNoTimeline) {
		t.Fatalf("Validate() error = %v, want ErrNoTimeline", err)
	}
}

func TestSnapshot(t *testing.T) {
	s := loadTestScenario(t, twoPipeScenario)
	ps := s.Particles()
	ps[0].Activate(0)
	ps[1].Finish(model.StateExited, 1000)
	ps[2].Position = 25

	snap := s.Snapshot(0)
	if len(snap.Particles) != 10 {
		t.Fatalf("snapshot particles = %d", len(snap.Particles))
	}
	if snap.ByState[model.StateActive] != 1 || snap.ByState[model.StateExited] != 1 || snap.ByState[model.StateWaiting] != 8 {
		t.Fatalf("ByState = %v", snap.ByState)
	}
	if snap.TotalMass != 5 || snap.ActiveMass != 4.5 {
		t.Fatalf("mass total=%v active=%v", snap.TotalMass, snap.ActiveMass)
	}
	if v := snap.Particles[2]; v.CapacityID != "ab" || v.Position != 25 {
		t.Fatalf("particle view = %+v", v)
	}

	// The snapshot is a copy.
	ps[2].Position = 30
	if snap.Particles[2].Position != 25 {
		t.Fatal("snapshot aliases particle state")
	}
}

func TestSnapshotPlacesParticlesOnTheMap(t *testing.T) {
	doc := strings.Replace(twoPipeScenario,
		"ab: {velocity: [0.5, 0.5], discharge: [1, 1]}",
		"ab: {velocity: [0.5, 0.5], discharge: [1, 1], level: [0.2, 0.3]}", 1)
	doc += "junction_levels: {a: [1.5, 1.7]}\n"
	s := loadTestScenario(t, doc)

	a, err := s.Network().Junction("a")
	if err != nil {
		t.Fatalf("Junction(a): %v", err)
	}
	ps := s.Particles()
	ps[0].Position = 25
	ps[1].Capacity = a
	ps[1].Position = 0

	snap := s.Snapshot(300_000)
	if v := snap.Particles[0]; v.Point != (core.Vec3{X: 25, Y: 0, Z: 9.75}) || v.Level != 0.3 {
		t.Fatalf("pipe particle view = %+v", v)
	}
	if v := snap.Particles[1]; v.CapacityID != "a" || v.Point != (core.Vec3{X: 0, Y: 0, Z: 10}) || v.Level != 1.7 {
		t.Fatalf("junction particle view = %+v", v)
	}
	if v := s.Snapshot(0).Particles[1]; v.Level != 1.5 {
		t.Fatalf("junction level at t=0 = %v, want 1.5", v.Level)
	}
	// Pipe bo has no level series.
	ps[2].Capacity, _ = s.Network().Pipe("bo")
	ps[2].Position = 0
	if v := s.Snapshot(0).Particles[2]; v.Level != 0 || v.Point.X != 100 {
		t.Fatalf("bo particle view = %+v", v)
	}
}

func TestWarmDownstream(t *testing.T) {
	s := loadTestScenario(t, twoPipeScenario, WithSparseTimeline())
	sparse, ok := s.Store().(*timeline.Sparse)
	if !ok {
		t.Fatalf("store is %T, want *timeline.Sparse", s.Store())
	}

	n, err := s.WarmDownstream(context.Background(), s.InjectionJunctions(), core.DownstreamQuery{})
	if err != nil {
		t.Fatalf("WarmDownstream() error = %v", err)
	}
	if n != 2 || sparse.Loads() != 2 {
		t.Fatalf("warmed %d rows with %d loads, want 2 and 2", n, sparse.Loads())
	}

	// Reach stops after the first pipe: 0.5 m/s for 100 s is 50 m, so only
	// pipes whose inlet lies within 50 m of a qualify.
	s2 := loadTestScenario(t, twoPipeScenario, WithSparseTimeline())
	n, err = s2.WarmDownstream(context.Background(), []string{"a", "missing"}, core.DownstreamQuery{VelocityHint: 0.5, HorizonMs: 100_000})
	if err != nil {
		t.Fatalf("WarmDownstream() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("warmed %d rows, want 1", n)
	}

	dense := loadTestScenario(t, twoPipeScenario)
	if n, err := dense.WarmDownstream(context.Background(), []string{"a"}, core.DownstreamQuery{}); n != 0 || err != nil {
		t.Fatalf("dense WarmDownstream() = %d, %v", n, err)
	}
}

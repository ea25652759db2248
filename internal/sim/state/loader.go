package state

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/signalsfoundry/drainflow/core"
	"github.com/signalsfoundry/drainflow/internal/logging"
	"github.com/signalsfoundry/drainflow/measure"
	"github.com/signalsfoundry/drainflow/model"
	"github.com/signalsfoundry/drainflow/timeline"
)

// internal document shapes; core.NetworkDocument carries the network and
// hydraulics, the rest describes what to release and where to observe.
type scenarioDoc struct {
	core.NetworkDocument `yaml:",inline"`

	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	StartMs *int64 `json:"start_ms,omitempty" yaml:"start_ms,omitempty"`
	EndMs   *int64 `json:"end_ms,omitempty" yaml:"end_ms,omitempty"`

	Materials  []materialDoc  `json:"materials,omitempty" yaml:"materials,omitempty"`
	Injections []injectionDoc `json:"injections,omitempty" yaml:"injections,omitempty"`
	Stations   []stationDoc   `json:"stations,omitempty" yaml:"stations,omitempty"`
}

type materialDoc struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	Density     float64 `json:"density,omitempty" yaml:"density,omitempty"`
	Particulate bool    `json:"particulate,omitempty" yaml:"particulate,omitempty"`
}

type injectionDoc struct {
	Material string `json:"material" yaml:"material"`
	// Capacity is a pipe or junction ID.
	Capacity  string  `json:"capacity" yaml:"capacity"`
	Position  float64 `json:"position,omitempty" yaml:"position,omitempty"`
	Count     int     `json:"count" yaml:"count"`
	TotalMass float64 `json:"total_mass" yaml:"total_mass"`
	AtMs      int64   `json:"at_ms,omitempty" yaml:"at_ms,omitempty"`
	// SpreadMs releases the particles evenly over [AtMs, AtMs+SpreadMs).
	SpreadMs int64 `json:"spread_ms,omitempty" yaml:"spread_ms,omitempty"`
	// Track is the number of particles of this injection whose trajectory
	// is logged.
	Track int `json:"track,omitempty" yaml:"track,omitempty"`
}

type stationDoc struct {
	ID       string  `json:"id" yaml:"id"`
	Kind     string  `json:"kind" yaml:"kind"` // "segment" | "section" | "node"
	Pipe     string  `json:"pipe,omitempty" yaml:"pipe,omitempty"`
	Junction string  `json:"junction,omitempty" yaml:"junction,omitempty"`
	From     float64 `json:"from,omitempty" yaml:"from,omitempty"`
	To       float64 `json:"to,omitempty" yaml:"to,omitempty"`
	At       float64 `json:"at,omitempty" yaml:"at,omitempty"`
}

// LoadOption customises LoadScenario.
type LoadOption func(*loadOptions)

type loadOptions struct {
	sparse   bool
	timeline []timeline.Option
	state    []ScenarioStateOption
}

// WithSparseTimeline backs pipes with a lazily loaded timeline instead of
// a dense one.
func WithSparseTimeline() LoadOption {
	return func(o *loadOptions) { o.sparse = true }
}

// WithTimelineOptions forwards options to the timeline store.
func WithTimelineOptions(opts ...timeline.Option) LoadOption {
	return func(o *loadOptions) { o.timeline = append(o.timeline, opts...) }
}

// WithStateOptions forwards options to NewScenarioState.
func WithStateOptions(opts ...ScenarioStateOption) LoadOption {
	return func(o *loadOptions) { o.state = append(o.state, opts...) }
}

// LoadScenario reads a scenario document, builds the network and its
// timelines, and populates a ScenarioState with materials, particles and
// stations.
func LoadScenario(r io.Reader, format core.Format, log logging.Logger, opts ...LoadOption) (*ScenarioState, error) {
	if log == nil {
		log = logging.Noop()
	}
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	var doc scenarioDoc
	if err := core.Decode(r, format, &doc); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}
	sc, err := core.BuildNetwork(&doc.NetworkDocument)
	if err != nil {
		return nil, fmt.Errorf("LoadScenario: %w", err)
	}

	tlOpts := append([]timeline.Option{timeline.WithLogger(log)}, o.timeline...)
	var store timeline.Store
	if o.sparse {
		store = sc.Sparse(tlOpts...)
	} else {
		d, err := sc.Dense(tlOpts...)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
		store = d
	}
	if err := sc.Network.AttachTimelines(store); err != nil {
		return nil, fmt.Errorf("LoadScenario: %w", err)
	}
	if err := sc.AttachJunctionLevels(tlOpts...); err != nil {
		return nil, fmt.Errorf("LoadScenario: %w", err)
	}

	stOpts := o.state
	if doc.StartMs != nil || doc.EndMs != nil {
		start, end := sc.Index.First(), sc.Index.Last()
		if doc.StartMs != nil {
			start = *doc.StartMs
		}
		if doc.EndMs != nil {
			end = *doc.EndMs
		}
		stOpts = append([]ScenarioStateOption{WithTimeRange(start, end)}, stOpts...)
	}
	s := NewScenarioState(sc.Network, store, log, stOpts...)

	for _, md := range doc.Materials {
		if err := s.AddMaterial(&model.Material{
			ID:          md.ID,
			Name:        md.Name,
			Density:     md.Density,
			Particulate: md.Particulate,
		}); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
	}

	nextID := 0
	for i, in := range doc.Injections {
		ps, err := s.injection(in, nextID)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: injection %d: %w", i, err)
		}
		if err := s.AddParticles(ps...); err != nil {
			return nil, fmt.Errorf("LoadScenario: injection %d: %w", i, err)
		}
		nextID += len(ps)
	}

	for _, sd := range doc.Stations {
		st, err := s.station(sd)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
		if err := s.AddStation(st); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
	}

	pipes, manholes, storages := sc.Network.Counts()
	log.Info(context.Background(), "scenario loaded",
		logging.String("name", doc.Name),
		logging.Int("pipes", pipes),
		logging.Int("junctions", manholes+storages),
		logging.Int("particles", nextID),
		logging.Int("stations", len(doc.Stations)),
		logging.Bool("sparse", o.sparse),
	)
	return s, nil
}

func (s *ScenarioState) injection(in injectionDoc, firstID int) ([]*model.Particle, error) {
	if in.Count <= 0 {
		return nil, fmt.Errorf("%w: count %d", ErrParticleInvalid, in.Count)
	}
	if in.SpreadMs < 0 {
		return nil, fmt.Errorf("%w: spread %d", ErrParticleInvalid, in.SpreadMs)
	}
	c, err := s.net.Capacity(in.Capacity)
	if err != nil {
		return nil, err
	}
	var mat *model.Material
	if in.Material != "" {
		if mat, err = s.Material(in.Material); err != nil {
			return nil, err
		}
	}

	mass := in.TotalMass / float64(in.Count)
	out := make([]*model.Particle, in.Count)
	for i := range out {
		p := &model.Particle{
			ID:         firstID + i,
			Capacity:   c,
			Position:   in.Position,
			Mass:       mass,
			Material:   mat,
			InjectedAt: in.AtMs + in.SpreadMs*int64(i)/int64(in.Count),
		}
		if i < in.Track {
			p.Track()
		}
		out[i] = p
	}
	return out, nil
}

func (s *ScenarioState) station(sd stationDoc) (*measure.Station, error) {
	switch strings.ToLower(sd.Kind) {
	case "segment", "section":
		p, err := s.net.Pipe(sd.Pipe)
		if err != nil {
			return nil, fmt.Errorf("station %q: %w", sd.ID, err)
		}
		if strings.EqualFold(sd.Kind, "segment") {
			return measure.NewSegment(sd.ID, p, sd.From, sd.To)
		}
		return measure.NewSection(sd.ID, p, sd.At)
	case "node":
		j, err := s.net.Junction(sd.Junction)
		if err != nil {
			return nil, fmt.Errorf("station %q: %w", sd.ID, err)
		}
		return measure.NewNode(sd.ID, j)
	default:
		return nil, fmt.Errorf("%w: station %q kind %q", measure.ErrBadStation, sd.ID, sd.Kind)
	}
}

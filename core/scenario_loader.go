package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/drainflow/timeline"
)

// Format is a scenario file encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// ErrUnknownFormat is returned by FormatFromPath for unrecognised extensions.
var ErrUnknownFormat = errors.New("unknown scenario format")

// FormatFromPath picks the encoding from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, path)
	}
}

// Decode reads one document from r into v using the given format.
func Decode(r io.Reader, format Format, v any) error {
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		return dec.Decode(v)
	default:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}
}

// NetworkDocument is the on-disk shape of a network with its hydraulic
// results. Higher level scenario files embed it.
type NetworkDocument struct {
	Junctions []JunctionDoc `json:"junctions" yaml:"junctions"`
	Pipes     []PipeDoc     `json:"pipes" yaml:"pipes"`

	// Either TimesMs or Time describes the sampling instants.
	TimesMs []int64  `json:"times_ms,omitempty" yaml:"times_ms,omitempty"`
	Time    *TimeDoc `json:"time,omitempty" yaml:"time,omitempty"`

	// Hydraulics is keyed by pipe ID.
	Hydraulics map[string]SeriesDoc `json:"hydraulics" yaml:"hydraulics"`
	// JunctionLevels is keyed by junction ID.
	JunctionLevels map[string][]float32 `json:"junction_levels,omitempty" yaml:"junction_levels,omitempty"`
}

type JunctionDoc struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name,omitempty" yaml:"name,omitempty"`
	Kind      string  `json:"kind,omitempty" yaml:"kind,omitempty"` // "manhole" (default) | "storage"
	X         float64 `json:"x" yaml:"x"`
	Y         float64 `json:"y" yaml:"y"`
	Invert    float64 `json:"invert" yaml:"invert"`
	Ground    float64 `json:"ground,omitempty" yaml:"ground,omitempty"`
	Outlet    bool    `json:"outlet,omitempty" yaml:"outlet,omitempty"`
	MaxVolume float64 `json:"max_volume,omitempty" yaml:"max_volume,omitempty"`
}

type PipeDoc struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	// Length in metres; derived from the end coordinates when omitted.
	Length   *float64 `json:"length,omitempty" yaml:"length,omitempty"`
	Diameter float64  `json:"diameter,omitempty" yaml:"diameter,omitempty"`
	// Optional invert elevations at each end; default to the junction inverts.
	InletInvert  *float64 `json:"inlet_invert,omitempty" yaml:"inlet_invert,omitempty"`
	OutletInvert *float64 `json:"outlet_invert,omitempty" yaml:"outlet_invert,omitempty"`
}

type TimeDoc struct {
	StartMs int64 `json:"start_ms" yaml:"start_ms"`
	StepMs  int64 `json:"step_ms" yaml:"step_ms"`
	Count   int   `json:"count" yaml:"count"`
}

type SeriesDoc struct {
	Velocity  []float32 `json:"velocity" yaml:"velocity"`
	Level     []float32 `json:"level,omitempty" yaml:"level,omitempty"`
	Discharge []float32 `json:"discharge,omitempty" yaml:"discharge,omitempty"`
	Volume    []float32 `json:"volume,omitempty" yaml:"volume,omitempty"`
}

// NetworkScenario is a built network together with its time index and the
// per-pipe hydraulic rows, ready to back a dense or sparse timeline.
type NetworkScenario struct {
	Network *Network
	Index   *timeline.TimeIndex

	rows          []timeline.Row
	junctionRows  []timeline.Row
	junctionLevel bool
}

// LoadNetworkScenario decodes a NetworkDocument from r and builds it.
func LoadNetworkScenario(r io.Reader, format Format) (*NetworkScenario, error) {
	var doc NetworkDocument
	if err := Decode(r, format, &doc); err != nil {
		return nil, fmt.Errorf("LoadNetworkScenario: decode failed: %w", err)
	}
	return BuildNetwork(&doc)
}

// BuildNetwork materialises doc. Junctions and pipes keep document order,
// which fixes the timeline row of every pipe. Pipes without hydraulics get
// an all-missing row and read as zero.
func BuildNetwork(doc *NetworkDocument) (*NetworkScenario, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrBadInput)
	}

	index, err := buildIndex(doc)
	if err != nil {
		return nil, err
	}

	n := NewNetwork()
	for _, jd := range doc.Junctions {
		var j Junction
		switch strings.ToLower(jd.Kind) {
		case "", "manhole":
			m := NewManhole(jd.ID, jd.Name)
			setNode(&m.node, jd)
			j = m
		case "storage":
			s := NewStorageVolume(jd.ID, jd.Name, jd.MaxVolume)
			setNode(&s.node, jd)
			j = s
		default:
			return nil, fmt.Errorf("%w: junction %q kind %q", ErrBadInput, jd.ID, jd.Kind)
		}
		if err := n.AddJunction(j); err != nil {
			return nil, err
		}
	}

	for _, pd := range doc.Pipes {
		from, err := n.Junction(pd.From)
		if err != nil {
			return nil, fmt.Errorf("pipe %q: %w", pd.ID, err)
		}
		to, err := n.Junction(pd.To)
		if err != nil {
			return nil, fmt.Errorf("pipe %q: %w", pd.ID, err)
		}

		length := from.Position().PlanDistanceTo(to.Position())
		if pd.Length != nil {
			length = *pd.Length
		}
		p := NewPipe(pd.ID, pd.Name, length)
		p.Diameter = pd.Diameter
		if err := n.AddPipe(p); err != nil {
			return nil, err
		}

		inElev := junctionNode(from).InvertElevation
		if pd.InletInvert != nil {
			inElev = *pd.InletInvert
		}
		outElev := junctionNode(to).InvertElevation
		if pd.OutletInvert != nil {
			outElev = *pd.OutletInvert
		}
		if _, err := n.Connect(pd.From, pd.ID, EndInlet, inElev); err != nil {
			return nil, err
		}
		if _, err := n.Connect(pd.To, pd.ID, EndOutlet, outElev); err != nil {
			return nil, err
		}
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}

	for id := range doc.Hydraulics {
		if _, err := n.Pipe(id); err != nil {
			return nil, fmt.Errorf("hydraulics: %w", err)
		}
	}
	for id := range doc.JunctionLevels {
		if _, err := n.Junction(id); err != nil {
			return nil, fmt.Errorf("junction levels: %w", err)
		}
	}

	sc := &NetworkScenario{Network: n, Index: index}
	for _, p := range n.Pipes() {
		sd := doc.Hydraulics[p.ID()]
		sc.rows = append(sc.rows, timeline.Row{
			Velocity:  sd.Velocity,
			Level:     sd.Level,
			Discharge: sd.Discharge,
			Volume:    sd.Volume,
		})
	}
	sc.junctionLevel = len(doc.JunctionLevels) > 0
	for _, j := range n.Junctions() {
		sc.junctionRows = append(sc.junctionRows, timeline.Row{Level: doc.JunctionLevels[j.ID()]})
	}
	return sc, nil
}

func buildIndex(doc *NetworkDocument) (*timeline.TimeIndex, error) {
	switch {
	case len(doc.TimesMs) > 0 && doc.Time != nil:
		return nil, fmt.Errorf("%w: both times_ms and time are set", ErrBadInput)
	case len(doc.TimesMs) > 0:
		return timeline.NewTimeIndex(doc.TimesMs)
	case doc.Time != nil:
		return timeline.UniformTimeIndex(doc.Time.StartMs, doc.Time.StepMs, doc.Time.Count)
	default:
		return nil, fmt.Errorf("%w: no sampling times", ErrBadInput)
	}
}

func setNode(nd *node, jd JunctionDoc) {
	nd.Coordinates = Vec3{X: jd.X, Y: jd.Y, Z: jd.Invert}
	nd.InvertElevation = jd.Invert
	nd.GroundElevation = jd.Ground
	nd.Outlet = jd.Outlet
}

// Dense builds and seals a dense timeline over the scenario's pipes.
func (sc *NetworkScenario) Dense(opts ...timeline.Option) (*timeline.Dense, error) {
	d := timeline.NewDense(sc.Index, len(sc.rows), opts...)
	for i, r := range sc.rows {
		if err := d.SetRow(i, r); err != nil {
			return nil, err
		}
	}
	d.MarkLoaded()
	return d, nil
}

// Sparse builds a lazily filled timeline serving rows out of the decoded
// document.
func (sc *NetworkScenario) Sparse(opts ...timeline.Option) *timeline.Sparse {
	return timeline.NewSparse(sc.Index, len(sc.rows), sc.Loader(), opts...)
}

// Loader serves the scenario's pipe rows.
func (sc *NetworkScenario) Loader() timeline.Loader {
	return timeline.LoaderFunc(func(ctx context.Context, row int) (timeline.Row, error) {
		if err := ctx.Err(); err != nil {
			return timeline.Row{}, err
		}
		if row < 0 || row >= len(sc.rows) {
			return timeline.Row{}, fmt.Errorf("%w: %d", timeline.ErrRowOutOfRange, row)
		}
		return sc.rows[row], nil
	})
}

// AttachJunctionLevels binds junction level series when the document had
// any. It is a no-op otherwise.
func (sc *NetworkScenario) AttachJunctionLevels(opts ...timeline.Option) error {
	if !sc.junctionLevel {
		return nil
	}
	d := timeline.NewDense(sc.Index, len(sc.junctionRows), opts...)
	for i, r := range sc.junctionRows {
		if err := d.SetRow(i, r); err != nil {
			return err
		}
	}
	d.MarkLoaded()
	return sc.Network.AttachJunctionTimelines(d)
}

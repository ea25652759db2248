// Package measure tallies particle crossings at fixed observation points.
//
// Each worker records into its own Buffer during the movement phase; the
// controller folds every buffer into the shared Result during the sync
// phase, so stations never take a lock on the hot path.
package measure

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/drainflow/core"
)

var (
	ErrBadStation     = errors.New("invalid station")
	ErrUnknownStation = errors.New("unknown station")
)

// Kind is the station variant.
type Kind int

const (
	// KindSegment counts particle presence inside [From, To] of a pipe at
	// the end of every substep.
	KindSegment Kind = iota
	// KindSection counts directional crossings of position At of a pipe.
	KindSection
	// KindNode counts particles passing through or exiting at a junction.
	KindNode
)

func (k Kind) String() string {
	switch k {
	case KindSegment:
		return "segment"
	case KindSection:
		return "section"
	case KindNode:
		return "node"
	default:
		return "unknown"
	}
}

// Station is a fixed observation point. Stations are immutable once built
// and shared by every worker buffer.
type Station struct {
	ID   string
	Kind Kind

	Pipe     *core.Pipe
	Junction core.Junction

	// From and To bound a segment station.
	From, To float64
	// At is the section position, in (0, Length].
	At float64
}

// NewSegment observes the stretch [from, to] of pipe.
func NewSegment(id string, pipe *core.Pipe, from, to float64) (*Station, error) {
	if pipe == nil {
		return nil, fmt.Errorf("%w: segment %q without pipe", ErrBadStation, id)
	}
	if !(from >= 0 && from <= to && to <= pipe.Length()) {
		return nil, fmt.Errorf("%w: segment %q [%v, %v] outside pipe %q of length %v",
			ErrBadStation, id, from, to, pipe.ID(), pipe.Length())
	}
	return &Station{ID: id, Kind: KindSegment, Pipe: pipe, From: from, To: to}, nil
}

// NewSection observes crossings of position at along pipe.
func NewSection(id string, pipe *core.Pipe, at float64) (*Station, error) {
	if pipe == nil {
		return nil, fmt.Errorf("%w: section %q without pipe", ErrBadStation, id)
	}
	if math.IsNaN(at) || at <= 0 || at > pipe.Length() {
		return nil, fmt.Errorf("%w: section %q at %v outside (0, %v] of pipe %q",
			ErrBadStation, id, at, pipe.Length(), pipe.ID())
	}
	return &Station{ID: id, Kind: KindSection, Pipe: pipe, At: at}, nil
}

// NewNode observes a junction.
func NewNode(id string, j core.Junction) (*Station, error) {
	if j == nil {
		return nil, fmt.Errorf("%w: node %q without junction", ErrBadStation, id)
	}
	return &Station{ID: id, Kind: KindNode, Junction: j}, nil
}

// crossing returns +1 when a move from a to b along the station's pipe
// crosses At downstream, -1 upstream, 0 otherwise. Arriving exactly on At
// counts; leaving from it does not, so back-to-back moves never double count.
func (s *Station) crossing(a, b float64) int {
	switch {
	case a < s.At && b >= s.At:
		return 1
	case a >= s.At && b < s.At:
		return -1
	default:
		return 0
	}
}

func (s *Station) contains(pos float64) bool {
	return pos >= s.From && pos <= s.To
}

// Tally is the accumulated observation of one station in one time bin.
type Tally struct {
	// Count is the number of observations: presence samples for segments,
	// crossings in either direction for sections, passages for nodes.
	Count int64
	Mass  float64
	// NetCount and NetMass are signed by direction (sections only).
	NetCount int64
	NetMass  float64
	// Exited and ExitedMass count particles finishing at a node station.
	Exited     int64
	ExitedMass float64
}

// Add returns t + o.
func (t Tally) Add(o Tally) Tally {
	return Tally{
		Count:      t.Count + o.Count,
		Mass:       t.Mass + o.Mass,
		NetCount:   t.NetCount + o.NetCount,
		NetMass:    t.NetMass + o.NetMass,
		Exited:     t.Exited + o.Exited,
		ExitedMass: t.ExitedMass + o.ExitedMass,
	}
}

// IsZero reports whether nothing was observed.
func (t Tally) IsZero() bool { return t == Tally{} }

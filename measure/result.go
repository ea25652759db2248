package measure

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/signalsfoundry/drainflow/core"
)

// Bin is one time bucket of a station series.
type Bin struct {
	StartMs int64
	Tally
}

// Summary condenses a station series.
type Summary struct {
	StationID string
	Kind      Kind
	Total     Tally
	Bins      int
	// MeanMass and StdDevMass are taken over the non-empty bins.
	MeanMass   float64
	StdDevMass float64
	// PeakStartMs is the start of the bin carrying the most mass.
	PeakStartMs int64
	PeakMass    float64
}

// Result is the shared measurement outcome of a run. Merge is only called
// from the controller's sync phase; readers may query it at any time.
type Result struct {
	mu sync.RWMutex

	layout   *Layout
	series   [][]Tally // station -> bin -> tally
	nodes    []Tally   // junction row -> totals
	substeps int64
}

// NewResult creates an empty result over l.
func NewResult(l *Layout) *Result {
	return &Result{
		layout: l,
		series: make([][]Tally, len(l.stations)),
		nodes:  make([]Tally, l.junctions),
	}
}

// Layout returns the station layout buffers must be built with.
func (r *Result) Layout() *Layout { return r.layout }

// Merge folds a worker buffer into the result and empties the buffer.
// Sums are commutative, so the merge order only affects float rounding;
// the controller always merges in worker order.
func (r *Result) Merge(b *Buffer) {
	if b == nil || b.Empty() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, t := range b.pending {
		s := r.series[k.station]
		for len(s) <= k.bin {
			s = append(s, Tally{})
		}
		s[k.bin] = s[k.bin].Add(t)
		r.series[k.station] = s
	}
	for i, t := range b.nodes {
		if !t.IsZero() {
			r.nodes[i] = r.nodes[i].Add(t)
		}
	}
	b.reset()
}

// AddSubsteps records that n more substeps were merged.
func (r *Result) AddSubsteps(n int) {
	r.mu.Lock()
	r.substeps += int64(n)
	r.mu.Unlock()
}

// Substeps returns the number of substeps merged so far.
func (r *Result) Substeps() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.substeps
}

// Stations returns the observed stations in registration order.
func (r *Result) Stations() []*Station {
	return append([]*Station(nil), r.layout.stations...)
}

// Series returns the binned observations of a station. Bins with nothing
// observed are included so the series is contiguous.
func (r *Result) Series(stationID string) ([]Bin, error) {
	i, ok := r.layout.byID[stationID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStation, stationID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Bin, len(r.series[i]))
	for b, t := range r.series[i] {
		out[b] = Bin{StartMs: r.layout.BinStart(b), Tally: t}
	}
	return out, nil
}

// Totals returns the station's observations summed over all bins.
func (r *Result) Totals(stationID string) (Tally, error) {
	bins, err := r.Series(stationID)
	if err != nil {
		return Tally{}, err
	}
	var t Tally
	for _, b := range bins {
		t = t.Add(b.Tally)
	}
	return t, nil
}

// ForPipe returns the stations placed on pipe.
func (r *Result) ForPipe(pipe *core.Pipe) []*Station {
	var out []*Station
	for _, i := range r.layout.byPipe[pipe.Row] {
		out = append(out, r.layout.stations[i])
	}
	return out
}

// ForJunction returns the passages and exits recorded at j, whether or not
// a node station observes it.
func (r *Result) ForJunction(j core.Junction) Tally {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if row := j.Row(); row >= 0 && row < len(r.nodes) {
		return r.nodes[row]
	}
	return Tally{}
}

// Exited sums exits over every junction.
func (r *Result) Exited() (count int64, mass float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.nodes {
		count += t.Exited
		mass += t.ExitedMass
	}
	return count, mass
}

// Summary condenses a station series into totals and simple statistics.
func (r *Result) Summary(stationID string) (Summary, error) {
	bins, err := r.Series(stationID)
	if err != nil {
		return Summary{}, err
	}
	st := r.layout.stations[r.layout.byID[stationID]]
	s := Summary{StationID: stationID, Kind: st.Kind, Bins: len(bins)}
	if len(bins) == 0 {
		return s, nil
	}

	mass := make([]float64, len(bins))
	var observed []float64
	for i, b := range bins {
		s.Total = s.Total.Add(b.Tally)
		mass[i] = b.Mass
		if !b.IsZero() {
			observed = append(observed, b.Mass)
		}
	}
	switch len(observed) {
	case 0:
	case 1:
		s.MeanMass = observed[0]
	default:
		s.MeanMass, s.StdDevMass = stat.MeanStdDev(observed, nil)
	}
	peak := floats.MaxIdx(mass)
	s.PeakStartMs = bins[peak].StartMs
	s.PeakMass = mass[peak]
	return s, nil
}

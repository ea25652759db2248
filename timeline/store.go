package timeline

import (
	"context"
	"math"
	"time"

	"github.com/signalsfoundry/drainflow/internal/logging"
)

// Failure classes reported once per store through logging.Once.
const (
	ClassOutOfRange = "timeline.out_of_range"
	ClassNotLoaded  = "timeline.not_loaded"
	ClassNonFinite  = "timeline.non_finite"
	ClassLoadFailed = "timeline.load_failed"
)

// Sample is the hydraulic state of one pipe at one time index.
type Sample struct {
	Velocity  float32 // m/s, positive in pipe direction
	Level     float32 // m
	Discharge float32 // m3/s
	Volume    float32 // m3
}

// Row is the full time series of one pipe. Slices shorter than the time index
// leave the trailing samples missing; missing samples read as zero.
type Row struct {
	Velocity  []float32
	Level     []float32
	Discharge []float32
	Volume    []float32
}

// Store answers "what is row r's state at time index i" for either backing.
type Store interface {
	Index() *TimeIndex
	Rows() int
	Sample(row, idx int) Sample
}

// Series is a per-pipe view on a Store; it is what gets attached to pipes
// and junctions. The zero Series reads as all zeros.
type Series struct {
	store Store
	row   int
}

// NewSeries binds row of store.
func NewSeries(store Store, row int) Series {
	return Series{store: store, row: row}
}

// Valid reports whether the series is bound to a store.
func (s Series) Valid() bool { return s.store != nil }

// Row returns the bound row index.
func (s Series) Row() int { return s.row }

// At returns the sample at time index idx.
func (s Series) At(idx int) Sample {
	if s.store == nil {
		return Sample{}
	}
	return s.store.Sample(s.row, idx)
}

// Velocity returns the velocity at time index idx.
func (s Series) Velocity(idx int) float32 { return s.At(idx).Velocity }

// Discharge returns the discharge at time index idx.
func (s Series) Discharge(idx int) float32 { return s.At(idx).Discharge }

// Level returns the water level at time index idx.
func (s Series) Level(idx int) float32 { return s.At(idx).Level }

// Option customises store construction.
type Option func(*options)

type options struct {
	log         logging.Logger
	ctx         context.Context
	onLoad      func(row int, took time.Duration, err error)
	parallelism int
}

func defaultOptions() options {
	return options{
		log:         logging.Noop(),
		ctx:         context.Background(),
		parallelism: 8,
	}
}

// WithLogger sets the logger used for once-per-class failure reports.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithLoadContext sets the context passed to the Loader for loads triggered
// implicitly by Sample.
func WithLoadContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithLoadObserver registers a callback fired after every underlying row load.
func WithLoadObserver(fn func(row int, took time.Duration, err error)) Option {
	return func(o *options) {
		o.onLoad = fn
	}
}

// WithPreloadParallelism bounds concurrent loads issued by Sparse.Preload.
func WithPreloadParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

var missing = float32(math.NaN())

// flatten copies src into dst, padding missing tail entries with NaN.
func flatten(dst, src []float32) {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = missing
	}
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// sanitize replaces non-finite quantities with zero and reports whether any
// were replaced.
func sanitize(s Sample) (Sample, bool) {
	bad := false
	if !finite(s.Velocity) {
		s.Velocity, bad = 0, true
	}
	if !finite(s.Level) {
		s.Level, bad = 0, true
	}
	if !finite(s.Discharge) {
		s.Discharge, bad = 0, true
	}
	if !finite(s.Volume) {
		s.Volume, bad = 0, true
	}
	return s, bad
}

package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/signalsfoundry/drainflow/internal/logging"
)

var (
	// ErrRowOutOfRange indicates a row index outside [0, Rows()).
	ErrRowOutOfRange = errors.New("timeline row out of range")
	// ErrSealed indicates a write to a dense store after MarkLoaded.
	ErrSealed = errors.New("dense timeline already loaded")
)

// Dense keeps every pipe's series in flat float32 arrays indexed
// [row*nt + idx]. It is filled once by the loading collaborator, sealed with
// MarkLoaded, and then read concurrently without locks.
type Dense struct {
	index *TimeIndex
	rows  int
	nt    int

	velocity  []float32
	level     []float32
	discharge []float32
	volume    []float32

	loaded atomic.Bool
	once   *logging.Once
	ctx    context.Context
}

// NewDense allocates a dense store with rows pipes over index. All samples
// start missing until SetRow fills them.
func NewDense(index *TimeIndex, rows int, opts ...Option) *Dense {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if rows < 0 {
		rows = 0
	}
	nt := index.Len()
	d := &Dense{
		index:     index,
		rows:      rows,
		nt:        nt,
		velocity:  make([]float32, rows*nt),
		level:     make([]float32, rows*nt),
		discharge: make([]float32, rows*nt),
		volume:    make([]float32, rows*nt),
		once:      logging.NewOnce(o.log.With(logging.String("timeline", "dense"))),
		ctx:       o.ctx,
	}
	for i := range d.velocity {
		d.velocity[i] = missing
		d.level[i] = missing
		d.discharge[i] = missing
		d.volume[i] = missing
	}
	return d
}

// Index returns the store's time index.
func (d *Dense) Index() *TimeIndex { return d.index }

// Rows returns the number of pipe rows.
func (d *Dense) Rows() int { return d.rows }

// SetRow copies data into row. Short slices leave trailing samples missing.
func (d *Dense) SetRow(row int, data Row) error {
	if d.loaded.Load() {
		return ErrSealed
	}
	if row < 0 || row >= d.rows {
		return fmt.Errorf("%w: %d", ErrRowOutOfRange, row)
	}
	lo, hi := row*d.nt, (row+1)*d.nt
	flatten(d.velocity[lo:hi], data.Velocity)
	flatten(d.level[lo:hi], data.Level)
	flatten(d.discharge[lo:hi], data.Discharge)
	flatten(d.volume[lo:hi], data.Volume)
	return nil
}

// MarkLoaded seals the store; reads before this return zero samples.
func (d *Dense) MarkLoaded() { d.loaded.Store(true) }

// Loaded reports whether MarkLoaded has been called.
func (d *Dense) Loaded() bool { return d.loaded.Load() }

// Sample returns row's state at time index idx in O(1).
func (d *Dense) Sample(row, idx int) Sample {
	if !d.loaded.Load() {
		d.once.Warn(d.ctx, ClassNotLoaded, "dense timeline read before load completed", logging.Int("row", row))
		return Sample{}
	}
	if row < 0 || row >= d.rows || idx < 0 || idx >= d.nt {
		d.once.Warn(d.ctx, ClassOutOfRange, "timeline sample out of range",
			logging.Int("row", row), logging.Int("index", idx))
		return Sample{}
	}
	at := row*d.nt + idx
	s, bad := sanitize(Sample{
		Velocity:  d.velocity[at],
		Level:     d.level[at],
		Discharge: d.discharge[at],
		Volume:    d.volume[at],
	})
	if bad {
		d.once.Warn(d.ctx, ClassNonFinite, "missing or non-finite timeline sample replaced with zero",
			logging.Int("row", row), logging.Int("index", idx))
	}
	return s
}

// Series returns the per-pipe view for row.
func (d *Dense) Series(row int) Series { return NewSeries(d, row) }

// Failures returns per-class failure counts seen by this store.
func (d *Dense) Failures() map[string]int64 { return d.once.Counts() }

// row extracts a copy of row's series; missing samples stay NaN.
func (d *Dense) row(row int) Row {
	lo, hi := row*d.nt, (row+1)*d.nt
	cp := func(src []float32) []float32 {
		out := make([]float32, hi-lo)
		copy(out, src[lo:hi])
		return out
	}
	return Row{
		Velocity:  cp(d.velocity),
		Level:     cp(d.level),
		Discharge: cp(d.discharge),
		Volume:    cp(d.volume),
	}
}

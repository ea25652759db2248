package timeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/signalsfoundry/drainflow/internal/logging"
)

// Loader produces the full series of one row on demand.
type Loader interface {
	LoadRow(ctx context.Context, row int) (Row, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, row int) (Row, error)

// LoadRow implements Loader.
func (f LoaderFunc) LoadRow(ctx context.Context, row int) (Row, error) { return f(ctx, row) }

// FromDense serves rows out of a loaded dense store. Mostly useful to check
// that both backings agree.
func FromDense(d *Dense) Loader {
	return LoaderFunc(func(_ context.Context, row int) (Row, error) {
		if row < 0 || row >= d.rows {
			return Row{}, fmt.Errorf("%w: %d", ErrRowOutOfRange, row)
		}
		return d.row(row), nil
	})
}

// sparseRow holds the flattened arrays of one loaded row.
type sparseRow struct {
	velocity  []float32
	level     []float32
	discharge []float32
	volume    []float32
	failed    bool
}

// Sparse fills each row the first time it is read. Concurrent first readers
// of the same row share a single Loader call; once the row pointer is
// published later readers never reach the loader again, including after a
// failed load, which is cached as an all-missing row. A load cut short by
// its context is not published, so the next read retries.
type Sparse struct {
	index  *TimeIndex
	nt     int
	loader Loader

	rows  []atomic.Pointer[sparseRow]
	group singleflight.Group
	loads atomic.Int64

	log         logging.Logger
	once        *logging.Once
	ctx         context.Context
	onLoad      func(row int, took time.Duration, err error)
	parallelism int
}

// NewSparse prepares a lazily loaded store of rows pipes over index.
func NewSparse(index *TimeIndex, rows int, loader Loader, opts ...Option) *Sparse {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if rows < 0 {
		rows = 0
	}
	log := o.log.With(logging.String("timeline", "sparse"))
	return &Sparse{
		index:       index,
		nt:          index.Len(),
		loader:      loader,
		rows:        make([]atomic.Pointer[sparseRow], rows),
		log:         log,
		once:        logging.NewOnce(log),
		ctx:         o.ctx,
		onLoad:      o.onLoad,
		parallelism: o.parallelism,
	}
}

// Index returns the store's time index.
func (s *Sparse) Index() *TimeIndex { return s.index }

// Rows returns the number of pipe rows.
func (s *Sparse) Rows() int { return len(s.rows) }

// Loads returns how many times the underlying Loader has been called.
func (s *Sparse) Loads() int64 { return s.loads.Load() }

// IsLoaded reports whether row has been filled (successfully or not).
func (s *Sparse) IsLoaded(row int) bool {
	if row < 0 || row >= len(s.rows) {
		return false
	}
	return s.rows[row].Load() != nil
}

// Series returns the per-pipe view for row.
func (s *Sparse) Series(row int) Series { return NewSeries(s, row) }

// Failures returns per-class failure counts seen by this store.
func (s *Sparse) Failures() map[string]int64 { return s.once.Counts() }

// Sample returns row's state at time index idx, loading the row first if
// needed.
func (s *Sparse) Sample(row, idx int) Sample {
	if row < 0 || row >= len(s.rows) || idx < 0 || idx >= s.nt {
		s.once.Warn(s.ctx, ClassOutOfRange, "timeline sample out of range",
			logging.Int("row", row), logging.Int("index", idx))
		return Sample{}
	}
	r := s.ensure(s.ctx, row)
	if r.failed {
		s.once.Warn(s.ctx, ClassNotLoaded, "read from a timeline row whose load failed", logging.Int("row", row))
		return Sample{}
	}
	out, bad := sanitize(Sample{
		Velocity:  r.velocity[idx],
		Level:     r.level[idx],
		Discharge: r.discharge[idx],
		Volume:    r.volume[idx],
	})
	if bad {
		s.once.Warn(s.ctx, ClassNonFinite, "missing or non-finite timeline sample replaced with zero",
			logging.Int("row", row), logging.Int("index", idx))
	}
	return out
}

// Preload fills rows concurrently. Rows already loaded are skipped. Loader
// errors are cached like any implicit load, except those caused by ctx; the
// first one is returned.
func (s *Sparse) Preload(ctx context.Context, rows []int) error {
	for _, row := range rows {
		if row < 0 || row >= len(s.rows) {
			return fmt.Errorf("%w: %d", ErrRowOutOfRange, row)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, row := range rows {
		if s.rows[row].Load() != nil {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if r := s.ensure(ctx, row); r.failed {
				return fmt.Errorf("preload row %d: load failed", row)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Sparse) ensure(ctx context.Context, row int) *sparseRow {
	if r := s.rows[row].Load(); r != nil {
		return r
	}
	v, _, _ := s.group.Do(strconv.Itoa(row), func() (any, error) {
		// Another flight may have published the row between our fast-path
		// check and joining the group.
		if r := s.rows[row].Load(); r != nil {
			return r, nil
		}
		r, cancelled := s.load(ctx, row)
		if !cancelled {
			s.rows[row].Store(r)
		}
		return r, nil
	})
	return v.(*sparseRow)
}

// load calls the loader for row. cancelled reports a failure caused by ctx
// rather than by the data.
func (s *Sparse) load(ctx context.Context, row int) (r *sparseRow, cancelled bool) {
	s.loads.Add(1)
	start := time.Now()
	data, err := s.loader.LoadRow(ctx, row)
	if s.onLoad != nil {
		s.onLoad(row, time.Since(start), err)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.log.Debug(ctx, "timeline row load interrupted", logging.Int("row", row), logging.Err(err))
			return &sparseRow{failed: true}, true
		}
		s.once.Warn(ctx, ClassLoadFailed, "timeline row load failed",
			logging.Int("row", row), logging.Err(err))
		return &sparseRow{failed: true}, false
	}
	r = &sparseRow{
		velocity:  make([]float32, s.nt),
		level:     make([]float32, s.nt),
		discharge: make([]float32, s.nt),
		volume:    make([]float32, s.nt),
	}
	flatten(r.velocity, data.Velocity)
	flatten(r.level, data.Level)
	flatten(r.discharge, data.Discharge)
	flatten(r.volume, data.Volume)
	return r, false
}

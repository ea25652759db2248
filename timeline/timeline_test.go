package timeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRow(row, nt int) Row {
	r := Row{
		Velocity:  make([]float32, nt),
		Level:     make([]float32, nt),
		Discharge: make([]float32, nt),
		Volume:    make([]float32, nt),
	}
	for i := 0; i < nt; i++ {
		r.Velocity[i] = float32(row) + float32(i)*0.125
		r.Level[i] = 0.1 * float32(i+1)
		r.Discharge[i] = float32(row+1) * 0.5
		r.Volume[i] = float32(i * row)
	}
	return r
}

func newTestDense(t *testing.T, rows, nt int) *Dense {
	t.Helper()
	ti, err := UniformTimeIndex(0, 60_000, nt)
	require.NoError(t, err)
	d := NewDense(ti, rows)
	for r := 0; r < rows; r++ {
		require.NoError(t, d.SetRow(r, testRow(r, nt)))
	}
	d.MarkLoaded()
	return d
}

func TestDenseReadsBeforeLoadAreZero(t *testing.T) {
	ti, err := UniformTimeIndex(0, 1_000, 4)
	require.NoError(t, err)
	d := NewDense(ti, 1)
	require.NoError(t, d.SetRow(0, testRow(3, 4)))

	require.Equal(t, Sample{}, d.Sample(0, 1))
	require.Equal(t, int64(1), d.Failures()[ClassNotLoaded])

	d.MarkLoaded()
	require.Equal(t, float32(3.125), d.Sample(0, 1).Velocity)
	require.ErrorIs(t, d.SetRow(0, Row{}), ErrSealed)
}

func TestDenseMissingAndNaNSamplesFallBackToZero(t *testing.T) {
	ti, err := UniformTimeIndex(0, 1_000, 4)
	require.NoError(t, err)
	d := NewDense(ti, 2)
	require.NoError(t, d.SetRow(0, Row{Velocity: []float32{1, float32(math.NaN())}}))
	require.ErrorIs(t, d.SetRow(5, Row{}), ErrRowOutOfRange)
	d.MarkLoaded()

	require.Equal(t, float32(1), d.Sample(0, 0).Velocity)
	require.Equal(t, float32(0), d.Sample(0, 1).Velocity)
	require.Equal(t, float32(0), d.Sample(0, 3).Velocity)
	require.Equal(t, Sample{}, d.Sample(7, 0))
	require.Equal(t, Sample{}, d.Sample(0, 99))

	f := d.Failures()
	require.Equal(t, int64(3), f[ClassNonFinite])
	require.Equal(t, int64(2), f[ClassOutOfRange])
}

func TestDenseAndSparseAgree(t *testing.T) {
	const rows, nt = 6, 17
	dense := newTestDense(t, rows, nt)
	sparse := NewSparse(dense.Index(), rows, FromDense(dense))

	for r := 0; r < rows; r++ {
		for i := 0; i < nt; i++ {
			require.Equal(t, dense.Sample(r, i), sparse.Sample(r, i), "row %d idx %d", r, i)
		}
		ds, ss := dense.Series(r), sparse.Series(r)
		require.Equal(t, ds.Velocity(nt-1), ss.Velocity(nt-1))
		require.Equal(t, ds.Discharge(3), ss.Discharge(3))
	}
	require.Equal(t, int64(rows), sparse.Loads())
}

func TestSparseConcurrentFirstAccessLoadsOnce(t *testing.T) {
	const nt = 32
	ti, err := UniformTimeIndex(0, 1_000, nt)
	require.NoError(t, err)

	var calls atomic.Int64
	release := make(chan struct{})
	loader := LoaderFunc(func(_ context.Context, row int) (Row, error) {
		calls.Add(1)
		<-release
		return testRow(row, nt), nil
	})
	var observed atomic.Int64
	s := NewSparse(ti, 3, loader, WithLoadObserver(func(int, time.Duration, error) { observed.Add(1) }))

	const workers = 64
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]Sample, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			results[w] = s.Sample(1, w%nt)
		}(w)
	}
	close(start)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, int64(1), s.Loads())
	require.Equal(t, int64(1), observed.Load())
	require.True(t, s.IsLoaded(1))
	require.False(t, s.IsLoaded(0))
	for w := 0; w < workers; w++ {
		require.Equal(t, testRow(1, nt).Velocity[w%nt], results[w].Velocity)
	}

	// Later readers never reach the loader.
	_ = s.Sample(1, 0)
	require.Equal(t, int64(1), s.Loads())
}

func TestSparseFailedLoadIsCachedAndZero(t *testing.T) {
	ti, err := UniformTimeIndex(0, 1_000, 4)
	require.NoError(t, err)
	boom := errors.New("boom")
	s := NewSparse(ti, 1, LoaderFunc(func(context.Context, int) (Row, error) {
		return Row{}, boom
	}))

	for i := 0; i < 10; i++ {
		require.Equal(t, Sample{}, s.Sample(0, i%4))
	}
	require.Equal(t, int64(1), s.Loads())
	require.Equal(t, int64(1), s.Failures()[ClassLoadFailed])
	require.Equal(t, int64(10), s.Failures()[ClassNotLoaded])
}

func TestSparseCancelledLoadIsRetried(t *testing.T) {
	ti, err := UniformTimeIndex(0, 1_000, 4)
	require.NoError(t, err)
	s := NewSparse(ti, 1, LoaderFunc(func(ctx context.Context, row int) (Row, error) {
		select {
		case <-ctx.Done():
			return Row{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return testRow(row, 4), nil
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.Error(t, s.Preload(ctx, []int{0}))
	require.False(t, s.IsLoaded(0))

	got := s.Sample(0, 1)
	require.Equal(t, testRow(0, 4).Velocity[1], got.Velocity)
	require.Equal(t, testRow(0, 4).Discharge[1], got.Discharge)
	require.True(t, s.IsLoaded(0))
	require.Equal(t, int64(2), s.Loads())
	require.Zero(t, s.Failures()[ClassLoadFailed])
}

func TestSparsePreload(t *testing.T) {
	dense := newTestDense(t, 8, 5)
	s := NewSparse(dense.Index(), 8, FromDense(dense), WithPreloadParallelism(2))

	require.NoError(t, s.Preload(context.Background(), []int{1, 3, 5, 3}))
	require.Equal(t, int64(3), s.Loads())
	require.True(t, s.IsLoaded(3))
	require.False(t, s.IsLoaded(2))

	require.ErrorIs(t, s.Preload(context.Background(), []int{42}), ErrRowOutOfRange)
}

func TestZeroSeriesReadsZero(t *testing.T) {
	var s Series
	require.False(t, s.Valid())
	require.Equal(t, Sample{}, s.At(3))
}

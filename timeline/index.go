// Package timeline stores time-indexed hydraulic state per pipe. Two backings
// share one read contract: Dense holds every row in flat arrays filled at load
// time, Sparse fills a row on first access through a Loader.
package timeline

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmptyIndex indicates a TimeIndex was built without timestamps.
	ErrEmptyIndex = errors.New("time index has no samples")
	// ErrNotMonotonic indicates timestamps are not strictly increasing.
	ErrNotMonotonic = errors.New("time index is not strictly increasing")
)

// TimeIndex is the sorted timestamp array of a scenario's hydraulic samples,
// in integer milliseconds.
type TimeIndex struct {
	times []int64
}

// NewTimeIndex copies times and validates that they strictly increase.
func NewTimeIndex(times []int64) (*TimeIndex, error) {
	if len(times) == 0 {
		return nil, ErrEmptyIndex
	}
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			return nil, fmt.Errorf("%w: t[%d]=%d after t[%d]=%d", ErrNotMonotonic, i, times[i], i-1, times[i-1])
		}
	}
	cp := make([]int64, len(times))
	copy(cp, times)
	return &TimeIndex{times: cp}, nil
}

// UniformTimeIndex builds n samples starting at startMs spaced stepMs apart.
func UniformTimeIndex(startMs, stepMs int64, n int) (*TimeIndex, error) {
	if n <= 0 {
		return nil, ErrEmptyIndex
	}
	if stepMs <= 0 && n > 1 {
		return nil, fmt.Errorf("%w: step %d", ErrNotMonotonic, stepMs)
	}
	times := make([]int64, n)
	for i := range times {
		times[i] = startMs + int64(i)*stepMs
	}
	return &TimeIndex{times: times}, nil
}

// Len returns the number of samples.
func (ti *TimeIndex) Len() int { return len(ti.times) }

// At returns the timestamp of sample i.
func (ti *TimeIndex) At(i int) int64 { return ti.times[i] }

// First returns the first timestamp.
func (ti *TimeIndex) First() int64 { return ti.times[0] }

// Last returns the last timestamp.
func (ti *TimeIndex) Last() int64 { return ti.times[len(ti.times)-1] }

// IndexFor returns the index of the last sample at or before t. Times before
// the first sample clamp to 0 and times after the last clamp to Len()-1, so
// values between samples are held at the most recent one.
func (ti *TimeIndex) IndexFor(t int64) int {
	if t <= ti.times[0] {
		return 0
	}
	// First index with times[i] > t, minus one.
	i := sort.Search(len(ti.times), func(i int) bool { return ti.times[i] > t })
	return i - 1
}

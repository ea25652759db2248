package timectrl

import (
	"sync"
	"time"
)

// Mode describes how the Clock paces advances against the wall clock.
type Mode int

const (
	// RealTime sleeps so that simulated time advances at Scale times wall-clock speed.
	RealTime Mode = iota
	// Accelerated advances as quickly as the stepping loop can run.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// Clock holds the global simulated time of a run. Time only moves when the
// owner calls Advance, which the stepping controller does once per sync
// phase; readers may call NowMillis from any goroutine.
type Clock struct {
	mu      sync.RWMutex
	StartMs int64
	EndMs   int64
	Mode    Mode
	// Scale is the realtime speed-up factor; values <= 0 mean 1.
	Scale float64

	currentMs int64
	wallRef   time.Time
	simRef    int64

	now   func() time.Time
	sleep func(time.Duration)
}

// NewClock constructs a clock positioned at startMs.
func NewClock(startMs, endMs int64, mode Mode) *Clock {
	return &Clock{
		StartMs:   startMs,
		EndMs:     endMs,
		Mode:      mode,
		Scale:     1,
		currentMs: startMs,
		simRef:    startMs,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// NowMillis returns the current simulated time.
func (c *Clock) NowMillis() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentMs
}

// Advance moves simulated time forward by d milliseconds. In RealTime mode it
// first sleeps until the wall clock has caught up with the new simulated
// time. It returns the new time.
func (c *Clock) Advance(d int64) int64 {
	if d < 0 {
		d = 0
	}

	c.mu.Lock()
	next := c.currentMs + d
	var wait time.Duration
	if c.Mode == RealTime {
		now := c.now()
		if c.wallRef.IsZero() {
			c.wallRef = now
			c.simRef = c.currentMs
		}
		scale := c.Scale
		if scale <= 0 {
			scale = 1
		}
		target := c.wallRef.Add(time.Duration(float64(next-c.simRef)/scale) * time.Millisecond)
		wait = target.Sub(now)
	}
	sleep := c.sleep
	c.mu.Unlock()

	if wait > 0 {
		sleep(wait)
	}

	c.mu.Lock()
	c.currentMs = next
	c.mu.Unlock()
	return next
}

// ResetPacing drops the wall-clock reference so the next Advance does not
// try to catch up on time spent paused.
func (c *Clock) ResetPacing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallRef = time.Time{}
	c.simRef = c.currentMs
}

// Done reports whether the clock has reached EndMs.
func (c *Clock) Done() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentMs >= c.EndMs
}

// Progress returns the completed fraction of [StartMs, EndMs] in [0, 1].
func (c *Clock) Progress() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	span := c.EndMs - c.StartMs
	if span <= 0 {
		return 1
	}
	p := float64(c.currentMs-c.StartMs) / float64(span)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

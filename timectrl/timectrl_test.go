package timectrl

import (
	"testing"
	"time"
)

func TestClockAdvanceReachesEnd(t *testing.T) {
	c := NewClock(1_000, 31_000, Accelerated)

	var seen []int64
	for i := 0; i < 3; i++ {
		seen = append(seen, c.Advance(10_000))
	}

	want := []int64{11_000, 21_000, 31_000}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Advance #%d = %d, want %d", i, seen[i], want[i])
		}
	}
	if got := c.NowMillis(); got != 31_000 {
		t.Fatalf("NowMillis() = %d, want 31000", got)
	}
	if !c.Done() {
		t.Fatalf("expected clock to be done at %d", c.NowMillis())
	}
	if p := c.Progress(); p != 1 {
		t.Fatalf("Progress() = %v, want 1", p)
	}
}

func TestClockRealTimePacing(t *testing.T) {
	c := NewClock(0, 100_000, RealTime)
	c.Scale = 10

	wall := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	var slept time.Duration
	c.now = func() time.Time { return wall }
	c.sleep = func(d time.Duration) {
		slept += d
		wall = wall.Add(d)
	}

	c.Advance(10_000)
	c.Advance(10_000)

	// 20 s of simulated time at 10x is 2 s of wall time.
	if slept != 2*time.Second {
		t.Fatalf("slept %v, want 2s", slept)
	}

	c.ResetPacing()
	wall = wall.Add(time.Hour)
	slept = 0
	c.Advance(10_000)
	if slept != time.Second {
		t.Fatalf("after ResetPacing slept %v, want 1s", slept)
	}
}

func TestClockNegativeAdvanceIgnored(t *testing.T) {
	c := NewClock(5, 10, Accelerated)
	if got := c.Advance(-3); got != 5 {
		t.Fatalf("Advance(-3) = %d, want 5", got)
	}
}

package measure

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/drainflow/core"
	"github.com/signalsfoundry/drainflow/model"
)

type fixture struct {
	net  *core.Network
	pipe *core.Pipe
	out  core.Junction
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	n := core.NewNetwork()
	a := core.NewManhole("a", "")
	b := core.NewManhole("b", "")
	b.Outlet = true
	require.NoError(t, n.AddJunction(a))
	require.NoError(t, n.AddJunction(b))
	p := core.NewPipe("ab", "", 100)
	require.NoError(t, n.AddPipeBetween(p, "a", "b"))
	return fixture{net: n, pipe: p, out: b}
}

func TestStationConstructorsValidate(t *testing.T) {
	f := newFixture(t)

	_, err := NewSegment("s", f.pipe, 60, 40)
	require.ErrorIs(t, err, ErrBadStation)
	_, err = NewSegment("s", f.pipe, 0, 101)
	require.ErrorIs(t, err, ErrBadStation)
	_, err = NewSection("x", f.pipe, 0)
	require.ErrorIs(t, err, ErrBadStation)
	_, err = NewNode("n", nil)
	require.ErrorIs(t, err, ErrBadStation)

	s1, err := NewSection("x", f.pipe, 50)
	require.NoError(t, err)
	_, err = NewLayout([]*Station{s1, s1}, 2, 0, 0)
	require.ErrorIs(t, err, ErrBadStation)
}

func TestSectionCountsDirectionalCrossings(t *testing.T) {
	f := newFixture(t)
	sec, err := NewSection("x", f.pipe, 50)
	require.NoError(t, err)
	l, err := NewLayout([]*Station{sec}, 2, 0, 0)
	require.NoError(t, err)
	res := NewResult(l)
	buf := NewBuffer(l)
	p := &model.Particle{Mass: 2}

	buf.Begin(0)
	buf.Move(f.pipe, 40, 50, p) // arrives on the section: counts downstream
	buf.Move(f.pipe, 50, 60, p) // leaves from it: no count
	buf.Move(f.pipe, 60, 45, p) // back upstream
	buf.Move(f.pipe, 10, 20, p) // nowhere near
	buf.Commit()
	res.Merge(buf)

	tot, err := res.Totals("x")
	require.NoError(t, err)
	require.Equal(t, int64(2), tot.Count)
	require.Equal(t, int64(0), tot.NetCount)
	require.InDelta(t, 4.0, tot.Mass, 1e-12)
	require.InDelta(t, 0.0, tot.NetMass, 1e-12)
}

func TestSegmentPresenceAndBins(t *testing.T) {
	f := newFixture(t)
	seg, err := NewSegment("seg", f.pipe, 20, 30)
	require.NoError(t, err)
	l, err := NewLayout([]*Station{seg}, 2, 1_000, 10_000)
	require.NoError(t, err)
	res := NewResult(l)
	buf := NewBuffer(l)
	p := &model.Particle{Mass: 1}

	buf.Begin(1_000)
	buf.Present(f.pipe, 25, p)
	buf.Present(f.pipe, 31, p)
	buf.Commit()
	buf.Begin(25_000)
	buf.Present(f.pipe, 20, p)
	buf.Present(f.pipe, 30, p)
	buf.Commit()
	res.Merge(buf)

	bins, err := res.Series("seg")
	require.NoError(t, err)
	require.Len(t, bins, 3)
	require.Equal(t, int64(1_000), bins[0].StartMs)
	require.Equal(t, int64(1), bins[0].Count)
	require.True(t, bins[1].IsZero())
	require.Equal(t, int64(21_000), bins[2].StartMs)
	require.Equal(t, int64(2), bins[2].Count)

	sum, err := res.Summary("seg")
	require.NoError(t, err)
	require.Equal(t, int64(3), sum.Total.Count)
	require.Equal(t, int64(21_000), sum.PeakStartMs)
	// The empty middle bin does not count towards the statistics.
	require.InDelta(t, 1.5, sum.MeanMass, 1e-12)
	require.InDelta(t, math.Sqrt(0.5), sum.StdDevMass, 1e-12)

	_, err = res.Series("missing")
	require.ErrorIs(t, err, ErrUnknownStation)
}

func TestDiscardDropsStagedObservations(t *testing.T) {
	f := newFixture(t)
	node, err := NewNode("out", f.out)
	require.NoError(t, err)
	l, err := NewLayout([]*Station{node}, 2, 0, 0)
	require.NoError(t, err)
	res := NewResult(l)
	buf := NewBuffer(l)
	p := &model.Particle{Mass: 3}

	buf.Begin(0)
	buf.Exit(f.out, p)
	buf.Discard()
	require.True(t, buf.Empty())

	buf.Begin(0)
	buf.Exit(f.out, p)
	buf.Commit()
	res.Merge(buf)
	require.True(t, buf.Empty())

	n, m := res.Exited()
	require.Equal(t, int64(1), n)
	require.InDelta(t, 3.0, m, 1e-12)
	require.Equal(t, int64(1), res.ForJunction(f.out).Exited)

	tot, err := res.Totals("out")
	require.NoError(t, err)
	require.Equal(t, int64(1), tot.Exited)
}

func TestMergeIsOrderIndependent(t *testing.T) {
	f := newFixture(t)
	sec, err := NewSection("x", f.pipe, 50)
	require.NoError(t, err)
	l, err := NewLayout([]*Station{sec}, 2, 0, 0)
	require.NoError(t, err)

	fill := func(b *Buffer, n int) {
		b.Begin(0)
		for i := 0; i < n; i++ {
			b.Move(f.pipe, 0, 100, &model.Particle{Mass: 0.5})
		}
		b.Commit()
	}

	r1, r2 := NewResult(l), NewResult(l)
	b1, b2 := NewBuffer(l), NewBuffer(l)
	fill(b1, 3)
	fill(b2, 5)
	r1.Merge(b1)
	r1.Merge(b2)

	fill(b1, 3)
	fill(b2, 5)
	r2.Merge(b2)
	r2.Merge(b1)

	t1, _ := r1.Totals("x")
	t2, _ := r2.Totals("x")
	require.Equal(t, t1, t2)
	require.Equal(t, int64(8), t1.NetCount)
	require.Len(t, r1.ForPipe(f.pipe), 1)
}

func TestDropClearsCommittedObservations(t *testing.T) {
	f := newFixture(t)
	node, err := NewNode("out", f.out)
	require.NoError(t, err)
	l, err := NewLayout([]*Station{node}, 2, 0, 0)
	require.NoError(t, err)
	res := NewResult(l)
	buf := NewBuffer(l)

	buf.Begin(0)
	buf.Exit(f.out, &model.Particle{Mass: 1})
	buf.Commit()
	buf.Begin(0)
	buf.Exit(f.out, &model.Particle{Mass: 2})
	buf.Drop()
	require.True(t, buf.Empty())

	res.Merge(buf)
	n, _ := res.Exited()
	require.Zero(t, n)
	tot, err := res.Totals("out")
	require.NoError(t, err)
	require.True(t, tot.IsZero())
}

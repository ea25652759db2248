package core

import (
	"errors"
	"testing"
)

// diamond:
//
//	a -> b (10) -> d (10)
//	a -> c (50) -> d (5)
//	d -> e (20), e is an outlet
func diamond(t *testing.T) *Network {
	t.Helper()
	n := NewNetwork()
	e := NewManhole("e", "")
	e.Outlet = true
	mustAdd(t, n, NewManhole("a", ""), NewManhole("b", ""), NewManhole("c", ""), NewManhole("d", ""), e)
	for _, p := range []struct {
		id, from, to string
		l            float64
	}{
		{"ab", "a", "b", 10},
		{"ac", "a", "c", 50},
		{"bd", "b", "d", 10},
		{"cd", "c", "d", 5},
		{"de", "d", "e", 20},
	} {
		if err := n.AddPipeBetween(NewPipe(p.id, "", p.l), p.from, p.to); err != nil {
			t.Fatal(err)
		}
	}
	return n
}

func ids(ps []*Pipe) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID()
	}
	return out
}

func TestFindDownstreamPipes_Unbounded(t *testing.T) {
	n := diamond(t)
	got, err := FindDownstreamPipes(n, "a", DownstreamQuery{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"ab", "ac", "bd", "de", "cd"}
	if g := ids(got); len(g) != len(want) {
		t.Fatalf("got %v, want %v", g, want)
	} else {
		for i := range want {
			if g[i] != want[i] {
				t.Fatalf("got %v, want %v", g, want)
			}
		}
	}
}

func TestFindDownstreamPipes_ReachBound(t *testing.T) {
	n := diamond(t)
	// 1 m/s over 15 s reaches junctions within 15 m: a (0) and b (10).
	got, err := FindDownstreamPipes(n, "a", DownstreamQuery{VelocityHint: 1, HorizonMs: 15_000})
	if err != nil {
		t.Fatal(err)
	}
	g := ids(got)
	if len(g) != 3 || g[0] != "ab" || g[1] != "ac" || g[2] != "bd" {
		t.Fatalf("got %v", g)
	}
}

func TestFindDownstreamPipes_UnknownStart(t *testing.T) {
	n := diamond(t)
	if _, err := FindDownstreamPipes(n, "zz", DownstreamQuery{}); !errors.Is(err, ErrCapacityNotFound) {
		t.Fatalf("expected ErrCapacityNotFound, got %v", err)
	}
}

func TestFindDownstreamPipes_TerminatesOnCycle(t *testing.T) {
	n := diamond(t)
	// Close a loop e -> a.
	if err := n.AddPipeBetween(NewPipe("ea", "", 1), "e", "a"); err != nil {
		t.Fatal(err)
	}
	got, err := FindDownstreamPipes(n, "b", DownstreamQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 6 {
		t.Fatalf("expected every pipe exactly once, got %v", ids(got))
	}
}

func TestFindLongestPaths(t *testing.T) {
	n := diamond(t)
	res, err := FindLongestPaths(n, "a")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]float64{"a": 0, "b": 10, "c": 50, "d": 55, "e": 75}
	for id, d := range want {
		if got := res.Distance[id]; got != d {
			t.Errorf("distance[%s] = %v, want %v", id, got, d)
		}
	}
	if res.Via["d"].ID() != "cd" {
		t.Errorf("via[d] = %s, want cd", res.Via["d"].ID())
	}
	if len(res.BackEdges) != 0 {
		t.Errorf("unexpected back edges %v", ids(res.BackEdges))
	}
}

func TestFindLongestPaths_SkipsBackEdges(t *testing.T) {
	n := diamond(t)
	if err := n.AddPipeBetween(NewPipe("ea", "", 1), "e", "a"); err != nil {
		t.Fatal(err)
	}
	res, err := FindLongestPaths(n, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.BackEdges) != 1 || res.BackEdges[0].ID() != "ea" {
		t.Fatalf("back edges = %v", ids(res.BackEdges))
	}
	if res.Distance["e"] != 75 || res.Distance["a"] != 0 {
		t.Fatalf("distances = %v", res.Distance)
	}
}

package core

import (
	"container/heap"
	"fmt"
	"math"
)

// DownstreamQuery bounds FindDownstreamPipes.
type DownstreamQuery struct {
	// VelocityHint is the expected travel speed in m/s. Together with
	// HorizonMs it caps how far downstream the search reaches. Zero or
	// negative disables the cap.
	VelocityHint float64
	// HorizonMs is the simulated time window the caller cares about.
	HorizonMs int64
}

// Reach returns the distance cap in metres, or +Inf when unbounded.
func (q DownstreamQuery) Reach() float64 {
	if q.VelocityHint <= 0 || q.HorizonMs <= 0 {
		return math.Inf(1)
	}
	return q.VelocityHint * float64(q.HorizonMs) / 1000
}

// FindDownstreamPipes walks from the start junction along pipe orientation
// and returns the reachable pipes ordered by the distance of their inlet from
// start (ties by Row). Pipes whose inlet lies beyond the query's reach are
// left out. Nodes are visited at most once even if the network has a cycle.
func FindDownstreamPipes(n *Network, startID string, q DownstreamQuery) ([]*Pipe, error) {
	start, err := n.Junction(startID)
	if err != nil {
		return nil, fmt.Errorf("downstream search: %w", err)
	}
	reach := q.Reach()

	dist := map[Junction]float64{start: 0}
	visited := make(map[Junction]bool)
	var out []*Pipe
	seen := make(map[*Pipe]bool)

	pq := &junctionQueue{{j: start, dist: 0}}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(queued)
		if visited[cur.j] {
			continue
		}
		visited[cur.j] = true

		for _, p := range cur.j.Outgoing() {
			if cur.dist > reach || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)

			next := p.To
			if next == nil || visited[next] {
				continue
			}
			d := cur.dist + p.Length()
			if old, ok := dist[next]; !ok || d < old {
				dist[next] = d
				heap.Push(pq, queued{j: next, dist: d})
			}
		}
	}
	return out, nil
}

// LongestPaths is the result of FindLongestPaths.
type LongestPaths struct {
	Root Junction
	// Distance maps every junction reachable from Root to its longest
	// cumulative pipe length from Root.
	Distance map[string]float64
	// Via is the last pipe on the longest path to each junction.
	Via map[string]*Pipe
	// BackEdges lists pipes that close a cycle; they were ignored.
	BackEdges []*Pipe
}

// FindLongestPaths computes the longest cumulative distance from root to
// every reachable junction. The network is expected to be acyclic; any pipe
// closing a cycle is reported in BackEdges and skipped.
func FindLongestPaths(n *Network, rootID string) (*LongestPaths, error) {
	root, err := n.Junction(rootID)
	if err != nil {
		return nil, fmt.Errorf("longest paths: %w", err)
	}

	order, back := postorder(root)

	res := &LongestPaths{
		Root:      root,
		Distance:  map[string]float64{root.ID(): 0},
		Via:       make(map[string]*Pipe),
		BackEdges: back,
	}
	skip := make(map[*Pipe]bool, len(back))
	for _, p := range back {
		skip[p] = true
	}

	// Reverse postorder is a topological order of the acyclic part.
	for i := len(order) - 1; i >= 0; i-- {
		j := order[i]
		dj, ok := res.Distance[j.ID()]
		if !ok {
			continue
		}
		for _, p := range j.Outgoing() {
			if skip[p] || p.To == nil {
				continue
			}
			d := dj + p.Length()
			if old, ok := res.Distance[p.To.ID()]; !ok || d > old {
				res.Distance[p.To.ID()] = d
				res.Via[p.To.ID()] = p
			}
		}
	}
	return res, nil
}

// postorder runs an iterative depth-first search from root and returns the
// junctions in postorder together with the pipes that lead back to a
// junction still on the stack.
func postorder(root Junction) ([]Junction, []*Pipe) {
	const (
		white = iota
		grey
		black
	)
	type frame struct {
		j    Junction
		next int
	}

	colour := map[Junction]int{root: grey}
	stack := []frame{{j: root}}
	var order []Junction
	var back []*Pipe

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		out := top.j.Outgoing()
		if top.next >= len(out) {
			colour[top.j] = black
			order = append(order, top.j)
			stack = stack[:len(stack)-1]
			continue
		}
		p := out[top.next]
		top.next++
		if p.To == nil {
			continue
		}
		switch colour[p.To] {
		case white:
			colour[p.To] = grey
			stack = append(stack, frame{j: p.To})
		case grey:
			back = append(back, p)
		}
	}
	return order, back
}

type queued struct {
	j    Junction
	dist float64
}

type junctionQueue []queued

func (q junctionQueue) Len() int { return len(q) }
func (q junctionQueue) Less(a, b int) bool {
	if q[a].dist != q[b].dist {
		return q[a].dist < q[b].dist
	}
	return q[a].j.Row() < q[b].j.Row()
}
func (q junctionQueue) Swap(a, b int) { q[a], q[b] = q[b], q[a] }
func (q *junctionQueue) Push(x any)   { *q = append(*q, x.(queued)) }
func (q *junctionQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

package measure

import (
	"fmt"

	"github.com/signalsfoundry/drainflow/core"
	"github.com/signalsfoundry/drainflow/model"
)

// Layout is the station set and time binning shared by a Result and all of
// its buffers.
type Layout struct {
	stations []*Station
	byID     map[string]int
	// pipe Row -> station indexes on that pipe
	byPipe map[int][]int
	// junction ID -> node station indexes
	byJunction map[string][]int

	junctions int
	startMs   int64
	binMs     int64
}

// NewLayout indexes stations over a network with the given number of
// junctions. binMs <= 0 puts everything into a single bin.
func NewLayout(stations []*Station, junctions int, startMs, binMs int64) (*Layout, error) {
	l := &Layout{
		byID:       make(map[string]int, len(stations)),
		byPipe:     make(map[int][]int),
		byJunction: make(map[string][]int),
		junctions:  junctions,
		startMs:    startMs,
		binMs:      binMs,
	}
	for _, s := range stations {
		if s == nil || s.ID == "" {
			return nil, ErrBadStation
		}
		if _, dup := l.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrBadStation, s.ID)
		}
		i := len(l.stations)
		l.stations = append(l.stations, s)
		l.byID[s.ID] = i
		switch s.Kind {
		case KindSegment, KindSection:
			l.byPipe[s.Pipe.Row] = append(l.byPipe[s.Pipe.Row], i)
		case KindNode:
			l.byJunction[s.Junction.ID()] = append(l.byJunction[s.Junction.ID()], i)
		}
	}
	return l, nil
}

// Bin returns the time bin of timeMs.
func (l *Layout) Bin(timeMs int64) int {
	if l.binMs <= 0 || timeMs <= l.startMs {
		return 0
	}
	return int((timeMs - l.startMs) / l.binMs)
}

// BinStart returns the start time of bin b.
func (l *Layout) BinStart(b int) int64 {
	if l.binMs <= 0 {
		return l.startMs
	}
	return l.startMs + int64(b)*l.binMs
}

type key struct {
	station int
	bin     int
}

type staged struct {
	key     key
	tally   Tally
	node    int // junction row for implicit node totals, -1 otherwise
	station bool
}

// Buffer is one worker's private measurement scratch space. It is not safe
// for concurrent use; each worker owns exactly one.
//
// Observations made during a substep are staged. Commit keeps them and
// Discard drops them, so a substep that faults leaves no partial tallies.
type Buffer struct {
	layout *Layout
	bin    int

	stage   []staged
	pending map[key]Tally
	nodes   []Tally
	touched bool
}

// NewBuffer creates an empty buffer over l.
func NewBuffer(l *Layout) *Buffer {
	return &Buffer{
		layout:  l,
		pending: make(map[key]Tally),
		nodes:   make([]Tally, l.junctions),
	}
}

// Begin starts a substep observed at timeMs.
func (b *Buffer) Begin(timeMs int64) {
	b.bin = b.layout.Bin(timeMs)
	b.stage = b.stage[:0]
}

// Commit keeps the observations staged since Begin.
func (b *Buffer) Commit() {
	for _, s := range b.stage {
		if s.station {
			b.pending[s.key] = b.pending[s.key].Add(s.tally)
		}
		if s.node >= 0 && s.node < len(b.nodes) {
			b.nodes[s.node] = b.nodes[s.node].Add(s.tally)
		}
		b.touched = true
	}
	b.stage = b.stage[:0]
}

// Discard drops the observations staged since Begin.
func (b *Buffer) Discard() { b.stage = b.stage[:0] }

// Empty reports whether there is nothing committed to merge.
func (b *Buffer) Empty() bool { return !b.touched }

// Drop discards everything committed since the last merge, along with any
// staged observations.
func (b *Buffer) Drop() {
	b.stage = b.stage[:0]
	b.reset()
}

func (b *Buffer) reset() {
	clear(b.pending)
	clear(b.nodes)
	b.touched = false
}

func (b *Buffer) put(station int, t Tally) {
	b.stage = append(b.stage, staged{key: key{station: station, bin: b.bin}, tally: t, node: -1, station: true})
}

// Move records a particle moving from a to b along pipe within one substep.
func (b *Buffer) Move(pipe *core.Pipe, from, to float64, p *model.Particle) {
	for _, i := range b.layout.byPipe[pipe.Row] {
		s := b.layout.stations[i]
		if s.Kind != KindSection {
			continue
		}
		dir := s.crossing(from, to)
		if dir == 0 {
			continue
		}
		b.put(i, Tally{
			Count:    1,
			Mass:     p.Mass,
			NetCount: int64(dir),
			NetMass:  float64(dir) * p.Mass,
		})
	}
}

// Present records where a particle sits in pipe at the end of a substep.
func (b *Buffer) Present(pipe *core.Pipe, pos float64, p *model.Particle) {
	for _, i := range b.layout.byPipe[pipe.Row] {
		s := b.layout.stations[i]
		if s.Kind == KindSegment && s.contains(pos) {
			b.put(i, Tally{Count: 1, Mass: p.Mass})
		}
	}
}

// Pass records a particle routed through junction j.
func (b *Buffer) Pass(j core.Junction, p *model.Particle) {
	t := Tally{Count: 1, Mass: p.Mass}
	b.stage = append(b.stage, staged{tally: t, node: j.Row()})
	for _, i := range b.layout.byJunction[j.ID()] {
		b.put(i, t)
	}
}

// Exit records a particle leaving the network at junction j.
func (b *Buffer) Exit(j core.Junction, p *model.Particle) {
	t := Tally{Count: 1, Mass: p.Mass, Exited: 1, ExitedMass: p.Mass}
	b.stage = append(b.stage, staged{tally: t, node: j.Row()})
	for _, i := range b.layout.byJunction[j.ID()] {
		b.put(i, t)
	}
}

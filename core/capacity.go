package core

import (
	"github.com/signalsfoundry/drainflow/timeline"
)

// CapacityKind identifies the concrete type behind a Capacity.
type CapacityKind int

const (
	KindPipe CapacityKind = iota
	KindManhole
	KindStorage
)

func (k CapacityKind) String() string {
	switch k {
	case KindPipe:
		return "pipe"
	case KindManhole:
		return "manhole"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Capacity is any network element able to hold particles.
type Capacity interface {
	ID() string
	Name() string
	Kind() CapacityKind
	// Length is the 1D extent particles move along; zero for junctions.
	Length() float64
	Connections() []*Connection
}

// Junction is a node capacity joining pipe ends: a manhole or a storage
// volume. Particles held in a junction sit at position 0.
type Junction interface {
	Capacity
	// Outgoing lists pipes whose inlet connects here, in row order.
	Outgoing() []*Pipe
	// Incoming lists pipes whose outlet connects here, in row order.
	Incoming() []*Pipe
	// IsOutlet reports whether particles reaching this junction leave the network.
	IsOutlet() bool
	// Position returns the junction coordinates.
	Position() Vec3
	// Row is the junction's index in the network's stable order.
	Row() int
	// Levels is the junction water level series; zero when the scenario
	// has none.
	Levels() timeline.Series
}

// node carries the state shared by manholes and storage volumes.
type node struct {
	id   string
	name string
	row  int

	// Outlet marks a network outlet; particles arriving here finish.
	Outlet bool
	// Coordinates of the junction in metres.
	Coordinates Vec3
	// InvertElevation and GroundElevation bound the junction shaft (m).
	InvertElevation float64
	GroundElevation float64
	// Timeline holds the junction water level series, when the scenario has one.
	Timeline timeline.Series

	connections []*Connection
	outgoing    []*Pipe
	incoming    []*Pipe
}

func (n *node) ID() string                 { return n.id }
func (n *node) Name() string               { return n.name }
func (n *node) Length() float64            { return 0 }
func (n *node) Connections() []*Connection { return n.connections }
func (n *node) Outgoing() []*Pipe          { return n.outgoing }
func (n *node) Incoming() []*Pipe          { return n.incoming }
func (n *node) IsOutlet() bool             { return n.Outlet }
func (n *node) Position() Vec3             { return n.Coordinates }
func (n *node) Row() int                   { return n.row }
func (n *node) Levels() timeline.Series    { return n.Timeline }

// Manhole is a junction shaft.
type Manhole struct {
	node
}

// NewManhole creates an unconnected manhole.
func NewManhole(id, name string) *Manhole {
	return &Manhole{node: node{id: id, name: name, row: -1}}
}

// Kind implements Capacity.
func (m *Manhole) Kind() CapacityKind { return KindManhole }

// StorageVolume is a basin or tank junction.
type StorageVolume struct {
	node

	// MaxVolume is the storage capacity in m3.
	MaxVolume float64
}

// NewStorageVolume creates an unconnected storage volume.
func NewStorageVolume(id, name string, maxVolume float64) *StorageVolume {
	return &StorageVolume{node: node{id: id, name: name, row: -1}, MaxVolume: maxVolume}
}

// Kind implements Capacity.
func (s *StorageVolume) Kind() CapacityKind { return KindStorage }

// Pipe is a conduit oriented from its inlet (From) to its outlet (To);
// positive velocity moves particles towards To.
type Pipe struct {
	id     string
	name   string
	length float64

	// Diameter of the circular profile in metres.
	Diameter float64
	// Row is the pipe's index in the network's stable order and its row in
	// the dense timeline.
	Row int
	// From and To are the inlet and outlet junctions.
	From Junction
	To   Junction
	// Timeline is the pipe's hydraulic series.
	Timeline timeline.Series

	connections []*Connection
}

// NewPipe creates an unconnected pipe.
func NewPipe(id, name string, length float64) *Pipe {
	return &Pipe{id: id, name: name, length: length, Row: -1}
}

func (p *Pipe) ID() string                 { return p.id }
func (p *Pipe) Name() string               { return p.name }
func (p *Pipe) Kind() CapacityKind         { return KindPipe }
func (p *Pipe) Length() float64            { return p.length }
func (p *Pipe) Connections() []*Connection { return p.connections }

// PipeEnd names one end of a pipe.
type PipeEnd int

const (
	// EndInlet is the upstream end, position 0.
	EndInlet PipeEnd = iota
	// EndOutlet is the downstream end, position Length().
	EndOutlet
)

func (e PipeEnd) String() string {
	if e == EndInlet {
		return "inlet"
	}
	return "outlet"
}

// Connection links a junction to one end of a pipe.
type Connection struct {
	ID       string
	Junction Junction
	Pipe     *Pipe
	End      PipeEnd
	// Elevation is the pipe invert elevation at this end (m).
	Elevation float64
	// Position along the pipe: 0 for the inlet, Length() for the outlet.
	Position float64
}

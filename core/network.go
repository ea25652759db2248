package core

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/signalsfoundry/drainflow/timeline"
)

var (
	ErrCapacityExists   = errors.New("capacity already exists")
	ErrCapacityNotFound = errors.New("capacity not found")
	ErrBadInput         = errors.New("invalid network input")
	ErrAlreadyConnected = errors.New("pipe end already connected")
	ErrUnconnected      = errors.New("pipe end not connected")
	ErrTimelineRows     = errors.New("timeline row count does not match network")
)

// Network owns every capacity and connection of a drainage scenario. It is
// built once by the loader and then read concurrently by the transport
// workers; the mutex only guards construction and lookups.
//
// Iteration order is insertion order. A pipe's position in that order is
// its Row, which is also its row in the dense timeline.
type Network struct {
	mu sync.RWMutex

	pipes       []*Pipe
	junctions   []Junction
	connections []*Connection

	byID   map[string]Capacity
	byName map[string]Capacity
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		byID:   make(map[string]Capacity),
		byName: make(map[string]Capacity),
	}
}

//
// ---------- Registration ----------
//

// AddJunction registers a manhole or storage volume.
func (n *Network) AddJunction(j Junction) error {
	if j == nil || j.ID() == "" {
		return fmt.Errorf("%w: junction without id", ErrBadInput)
	}
	nd := junctionNode(j)
	if nd == nil {
		return fmt.Errorf("%w: unsupported junction type %T", ErrBadInput, j)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.byID[j.ID()]; exists {
		return fmt.Errorf("%w: %q", ErrCapacityExists, j.ID())
	}
	nd.row = len(n.junctions)
	n.junctions = append(n.junctions, j)
	n.indexLocked(j)
	return nil
}

// AddPipe registers an unconnected pipe and assigns its Row.
func (n *Network) AddPipe(p *Pipe) error {
	if p == nil || p.id == "" {
		return fmt.Errorf("%w: pipe without id", ErrBadInput)
	}
	if math.IsNaN(p.length) || math.IsInf(p.length, 0) || p.length < 0 {
		return fmt.Errorf("%w: pipe %q length %v", ErrBadInput, p.id, p.length)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.byID[p.id]; exists {
		return fmt.Errorf("%w: %q", ErrCapacityExists, p.id)
	}
	p.Row = len(n.pipes)
	n.pipes = append(n.pipes, p)
	n.indexLocked(p)
	return nil
}

// Connect joins one end of a pipe to a junction. Inlet connections make the
// pipe outgoing from the junction; outlet connections make it incoming.
func (n *Network) Connect(junctionID, pipeID string, end PipeEnd, elevation float64) (*Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c, ok := n.byID[junctionID]
	if !ok {
		return nil, fmt.Errorf("%w: junction %q", ErrCapacityNotFound, junctionID)
	}
	j, ok := c.(Junction)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %s, not a junction", ErrBadInput, junctionID, c.Kind())
	}
	c, ok = n.byID[pipeID]
	if !ok {
		return nil, fmt.Errorf("%w: pipe %q", ErrCapacityNotFound, pipeID)
	}
	p, ok := c.(*Pipe)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %s, not a pipe", ErrBadInput, pipeID, c.Kind())
	}

	nd := junctionNode(j)
	conn := &Connection{
		ID:        fmt.Sprintf("%s/%s/%s", junctionID, pipeID, end),
		Junction:  j,
		Pipe:      p,
		End:       end,
		Elevation: elevation,
	}
	switch end {
	case EndInlet:
		if p.From != nil {
			return nil, fmt.Errorf("%w: %q inlet", ErrAlreadyConnected, pipeID)
		}
		if p.To == j {
			return nil, fmt.Errorf("%w: pipe %q would loop on %q", ErrBadInput, pipeID, junctionID)
		}
		p.From = j
		nd.outgoing = append(nd.outgoing, p)
	case EndOutlet:
		if p.To != nil {
			return nil, fmt.Errorf("%w: %q outlet", ErrAlreadyConnected, pipeID)
		}
		if p.From == j {
			return nil, fmt.Errorf("%w: pipe %q would loop on %q", ErrBadInput, pipeID, junctionID)
		}
		p.To = j
		conn.Position = p.length
		nd.incoming = append(nd.incoming, p)
	default:
		return nil, fmt.Errorf("%w: pipe end %d", ErrBadInput, end)
	}

	p.connections = append(p.connections, conn)
	nd.connections = append(nd.connections, conn)
	n.connections = append(n.connections, conn)
	return conn, nil
}

// AddPipeBetween registers p and connects its inlet to fromID and its outlet
// to toID. Elevations default to the junction inverts.
func (n *Network) AddPipeBetween(p *Pipe, fromID, toID string) error {
	if err := n.AddPipe(p); err != nil {
		return err
	}
	from, to := n.GetCapacity(fromID), n.GetCapacity(toID)
	fromElev, toElev := 0.0, 0.0
	if j, ok := from.(Junction); ok {
		fromElev = junctionNode(j).InvertElevation
	}
	if j, ok := to.(Junction); ok {
		toElev = junctionNode(j).InvertElevation
	}
	if _, err := n.Connect(fromID, p.id, EndInlet, fromElev); err != nil {
		return err
	}
	if _, err := n.Connect(toID, p.id, EndOutlet, toElev); err != nil {
		return err
	}
	return nil
}

func (n *Network) indexLocked(c Capacity) {
	n.byID[c.ID()] = c
	// Names are not unique; the first registration wins.
	if name := c.Name(); name != "" {
		if _, taken := n.byName[name]; !taken {
			n.byName[name] = c
		}
	}
}

//
// ---------- Lookups ----------
//

// Capacity returns the capacity with the given ID.
func (n *Network) Capacity(id string) (Capacity, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCapacityNotFound, id)
	}
	return c, nil
}

// GetCapacity returns the capacity with the given ID, or nil if not found.
func (n *Network) GetCapacity(id string) Capacity {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.byID[id]
}

// GetCapacityByName returns the capacity whose name matches exactly, or nil
// if there is none.
func (n *Network) GetCapacityByName(name string) Capacity {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.byName[name]
}

// Pipe returns the pipe with the given ID.
func (n *Network) Pipe(id string) (*Pipe, error) {
	c, err := n.Capacity(id)
	if err != nil {
		return nil, err
	}
	p, ok := c.(*Pipe)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %s", ErrCapacityNotFound, id, c.Kind())
	}
	return p, nil
}

// Junction returns the manhole or storage volume with the given ID.
func (n *Network) Junction(id string) (Junction, error) {
	c, err := n.Capacity(id)
	if err != nil {
		return nil, err
	}
	j, ok := c.(Junction)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %s", ErrCapacityNotFound, id, c.Kind())
	}
	return j, nil
}

// Pipes returns all pipes in row order. The slice is a copy; the pipes are
// shared.
func (n *Network) Pipes() []*Pipe {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*Pipe(nil), n.pipes...)
}

// Junctions returns all junctions in registration order.
func (n *Network) Junctions() []Junction {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Junction(nil), n.junctions...)
}

// Connections returns all connections in creation order.
func (n *Network) Connections() []*Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*Connection(nil), n.connections...)
}

// Counts returns the number of pipes, manholes and storage volumes.
func (n *Network) Counts() (pipes, manholes, storages int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, j := range n.junctions {
		if j.Kind() == KindStorage {
			storages++
		} else {
			manholes++
		}
	}
	return len(n.pipes), manholes, storages
}

//
// ---------- Validation & timelines ----------
//

// Validate checks that every pipe is connected at both ends.
func (n *Network) Validate() error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var errs []error
	for _, p := range n.pipes {
		if p.From == nil {
			errs = append(errs, fmt.Errorf("%w: pipe %q inlet", ErrUnconnected, p.id))
		}
		if p.To == nil {
			errs = append(errs, fmt.Errorf("%w: pipe %q outlet", ErrUnconnected, p.id))
		}
	}
	return errors.Join(errs...)
}

// AttachTimelines binds every pipe to its row of store.
func (n *Network) AttachTimelines(store timeline.Store) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if store.Rows() != len(n.pipes) {
		return fmt.Errorf("%w: store has %d rows, network has %d pipes", ErrTimelineRows, store.Rows(), len(n.pipes))
	}
	for _, p := range n.pipes {
		p.Timeline = timeline.NewSeries(store, p.Row)
	}
	return nil
}

// AttachJunctionTimelines binds every junction to its row of store.
func (n *Network) AttachJunctionTimelines(store timeline.Store) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if store.Rows() != len(n.junctions) {
		return fmt.Errorf("%w: store has %d rows, network has %d junctions", ErrTimelineRows, store.Rows(), len(n.junctions))
	}
	for _, j := range n.junctions {
		nd := junctionNode(j)
		nd.Timeline = timeline.NewSeries(store, nd.row)
	}
	return nil
}

func junctionNode(j Junction) *node {
	switch v := j.(type) {
	case *Manhole:
		return &v.node
	case *StorageVolume:
		return &v.node
	default:
		return nil
	}
}

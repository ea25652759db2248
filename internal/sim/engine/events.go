package engine

import (
	"sync"
	"sync/atomic"
)

// State is the controller lifecycle state.
type State int

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateStopped
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// EventType names a controller notification.
type EventType int

const (
	EventStarted EventType = iota
	EventPaused
	EventResumed
	EventStepFinished
	EventWorkerFault
	EventStopped
	EventFinished
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventStepFinished:
		return "step_finished"
	case EventWorkerFault:
		return "worker_fault"
	case EventStopped:
		return "stopped"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is published on the controller's event channel.
type Event struct {
	Type EventType
	// Cycle counts completed sync phases.
	Cycle int64
	// TimeMs is the simulated time when the event was raised.
	TimeMs int64
	// Progress is the completed fraction of the simulated window.
	Progress float64

	// Live counts particles still waiting or moving; Exited those that
	// left through an outlet. Set on StepFinished and terminal events.
	Live   int
	Exited int

	// Worker and Err describe a WorkerFault.
	Worker int
	Err    error
	// Repeats counts later faults of the same worker folded into this one
	// while it was still queued.
	Repeats int
}

func (t EventType) lifecycle() bool { return t != EventStepFinished }

// eventBus decouples publishers from a slow consumer. Publish never blocks:
// events are queued and a pump goroutine, started on the first Events call,
// forwards them to the channel. When more than limit step events are
// queued, the oldest one is dropped. Lifecycle events are kept, except that
// a worker has at most one queued fault.
type eventBus struct {
	mu      sync.Mutex
	queue   []Event
	steps   int
	limit   int
	closed  bool
	dropped atomic.Int64

	wake    chan struct{}
	out     chan Event
	started sync.Once
}

func newEventBus(limit int) *eventBus {
	return &eventBus{
		limit: limit,
		wake:  make(chan struct{}, 1),
		out:   make(chan Event),
	}
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if !ev.Type.lifecycle() {
		if b.limit <= 0 {
			b.mu.Unlock()
			b.dropped.Add(1)
			return
		}
		if b.steps >= b.limit {
			b.dropOldestStepLocked()
		}
		b.steps++
	}
	if ev.Type == EventWorkerFault && b.foldFaultLocked(ev.Worker) {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.signal()
}

func (b *eventBus) dropOldestStepLocked() {
	for i, ev := range b.queue {
		if !ev.Type.lifecycle() {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.steps--
			b.dropped.Add(1)
			return
		}
	}
}

func (b *eventBus) foldFaultLocked(worker int) bool {
	for i := range b.queue {
		if b.queue[i].Type == EventWorkerFault && b.queue[i].Worker == worker {
			b.queue[i].Repeats++
			return true
		}
	}
	return false
}

// close stops accepting events; the channel is closed once the queue drains.
func (b *eventBus) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *eventBus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *eventBus) events() <-chan Event {
	b.started.Do(func() { go b.pump() })
	return b.out
}

func (b *eventBus) pump() {
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.wake
			continue
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		if !ev.Type.lifecycle() {
			b.steps--
		}
		b.mu.Unlock()
		b.out <- ev
	}
}

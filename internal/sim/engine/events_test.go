package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventBusFoldsQueuedFaults(t *testing.T) {
	b := newEventBus(4)
	boom := errors.New("boom")

	b.publish(Event{Type: EventStarted})
	for i := 0; i < 1000; i++ {
		b.publish(Event{Type: EventWorkerFault, Cycle: int64(i), Worker: i % 2, Err: boom})
		b.publish(Event{Type: EventStepFinished, Cycle: int64(i)})
	}

	b.mu.Lock()
	queued := len(b.queue)
	b.mu.Unlock()
	// started, one fault per worker and the step limit.
	require.Equal(t, 1+2+4, queued)

	b.close()
	var faults []Event
	var steps []int64
	for ev := range b.events() {
		switch ev.Type {
		case EventWorkerFault:
			faults = append(faults, ev)
		case EventStepFinished:
			steps = append(steps, ev.Cycle)
		}
	}
	require.Len(t, faults, 2)
	require.Equal(t, 0, faults[0].Worker)
	require.Equal(t, int64(0), faults[0].Cycle)
	require.Equal(t, 499, faults[0].Repeats)
	require.Equal(t, 1, faults[1].Worker)
	require.Equal(t, 499, faults[1].Repeats)
	require.ErrorIs(t, faults[1].Err, boom)
	require.Equal(t, []int64{996, 997, 998, 999}, steps)
	require.Equal(t, int64(996), b.dropped.Load())
}

func TestEventBusQueuesFaultAgainAfterDelivery(t *testing.T) {
	b := newEventBus(4)
	ch := b.events()

	b.publish(Event{Type: EventWorkerFault, Worker: 3})
	ev := <-ch
	require.Equal(t, EventWorkerFault, ev.Type)
	require.Zero(t, ev.Repeats)

	b.publish(Event{Type: EventWorkerFault, Worker: 3})
	b.close()
	ev = <-ch
	require.Equal(t, EventWorkerFault, ev.Type)
	require.Zero(t, ev.Repeats)
	_, ok := <-ch
	require.False(t, ok)
}

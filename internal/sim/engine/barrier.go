package engine

import "sync"

// barrier is a reusable rendezvous for a fixed number of parties. The last
// party to arrive releases the others and resets the barrier for the next
// generation. Anything written by a party before Wait is visible to every
// party after Wait returns.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	gen     uint64
	broken  bool
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until all parties have called Wait for the current generation.
// It returns false if the barrier was broken before or while waiting.
func (b *barrier) Wait() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.broken {
		return false
	}
	gen := b.gen
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.gen++
		b.cond.Broadcast()
		return true
	}
	for gen == b.gen && !b.broken {
		b.cond.Wait()
	}
	return gen != b.gen
}

// Break releases every waiter and makes all later Waits return false.
func (b *barrier) Break() {
	b.mu.Lock()
	b.broken = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

package tcpsim

// scheduler.go holds the delayed-delivery queue that carries
// acknowledgements and loss signals back to a sender after path delay

// Feedback is deterministic scheduled delay, not cooperative
// suspension: completions and drops are turned into events stamped with
// a due time, and the simulation loop drains everything due at the top
// of each tick.  Events are kept in a min-priority heap on due time.

import "container/heap"

// an ackEvent aggregates what one tick's completions and drops will
// tell the sender once the return path delay has elapsed
type ackEvent struct {
	due      float64 // simulation time the signal reaches the sender
	pkts     int     // segments acknowledged
	rttSum   float64 // summed send-to-ack round trips of those segments
	lossPkts int     // segments signalled lost
}

// dueHeap and its methods implement a min-priority heap on due times
type dueHeap []*ackEvent

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].due < h[j].due }
func (h dueHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) {
	*h = append(*h, x.(*ackEvent))
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// an ackScheduler is owned by exactly one flow for one run
type ackScheduler struct {
	pending dueHeap
}

func createAckScheduler() *ackScheduler {
	as := new(ackScheduler)
	as.pending = dueHeap{}
	heap.Init(&as.pending)
	return as
}

// schedule adds an event for later delivery
func (as *ackScheduler) schedule(ev *ackEvent) {
	heap.Push(&as.pending, ev)
}

// dueBy removes and returns every event due at or before t, in due
// order
func (as *ackScheduler) dueBy(t float64) []*ackEvent {
	var due []*ackEvent
	for len(as.pending) > 0 && as.pending[0].due <= t {
		due = append(due, heap.Pop(&as.pending).(*ackEvent))
	}
	return due
}

// outstanding reports how many events remain queued
func (as *ackScheduler) outstanding() int {
	return len(as.pending)
}

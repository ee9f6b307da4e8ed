package tcpsim

// link.go holds the per-run queueing state of a link: a FIFO of packets
// awaiting service, a fractional service credit carried across ticks,
// and the cumulative counters the conservation law is checked against

import (
	"fmt"
	"math"
)

// a packet is one MSS-sized segment in transit on some flow's path.
// flowIdx indexes the run's flow arena; crossIdx packets carry -1 there
// and the index of their cross-traffic source instead.
type packet struct {
	flowIdx  int
	crossIdx int
	hop      int     // position in the flow's path of the link it occupies
	sentAt   float64 // simulation time the sender injected it
}

// linkState is the mutable per-run companion of an immutable Link.
// One exists per link per run; runs never share them.
type linkState struct {
	lnk *Link

	queue  []packet
	credit float64 // fractional packets of service owed from prior ticks

	// cumulative counters over the run
	admitted int64
	served   int64
	dropped  int64

	// queue occupancy sampled once per tick, for debug reporting
	history []int
}

func createLinkState(lnk *Link) *linkState {
	ls := new(linkState)
	ls.lnk = lnk
	ls.queue = make([]packet, 0, lnk.Buffer)
	ls.history = make([]int, 0)
	return ls
}

// occupancy is the number of packets currently queued
func (ls *linkState) occupancy() int {
	return len(ls.queue)
}

// admit offers one packet to the queue.  Every arrival counts toward
// admitted; admission is tail-drop, so a packet arriving at a full
// buffer is counted dropped and discarded without inspecting existing
// queue contents.
func (ls *linkState) admit(pkt packet) bool {
	ls.admitted += 1
	if len(ls.queue) >= ls.lnk.Buffer {
		ls.dropped += 1
		return false
	}
	ls.queue = append(ls.queue, pkt)
	return true
}

// serve drains the queue head for one tick.  The link earns
// bandwidth*dt of service each tick; whole packets are removed and
// returned, and any fractional remainder is retained as credit for the
// next tick.  Credit does not accumulate across an idle queue.
func (ls *linkState) serve(dt float64, mss int) []packet {
	ls.credit += ls.lnk.bytesPerSec() * dt / float64(mss)

	n := int(math.Floor(roundFloat(ls.credit, rdigits)))
	if n > len(ls.queue) {
		n = len(ls.queue)
	}

	var out []packet
	if n > 0 {
		out = make([]packet, n)
		copy(out, ls.queue[:n])
		ls.queue = ls.queue[n:]
		ls.credit -= float64(n)
		ls.served += int64(n)
	}

	if len(ls.queue) == 0 && ls.credit > 1.0 {
		ls.credit = 1.0
	}
	return out
}

// sampleOccupancy records the occupancy at the end of the current tick
func (ls *linkState) sampleOccupancy() {
	ls.history = append(ls.history, len(ls.queue))
}

// checkConservation verifies that cumulative arrivals minus services
// minus drops equals the current occupancy.  A mismatch means packets
// were lost or invented inside the link model.
func (ls *linkState) checkConservation(now float64) error {
	if ls.admitted-ls.served-ls.dropped != int64(len(ls.queue)) {
		return &InvariantViolation{
			Time:   now,
			Object: "link " + ls.lnk.Key,
			Detail: fmt.Sprintf("admitted %d - served %d - dropped %d != occupancy %d",
				ls.admitted, ls.served, ls.dropped, len(ls.queue)),
		}
	}
	if len(ls.queue) > ls.lnk.Buffer {
		return &InvariantViolation{
			Time:   now,
			Object: "link " + ls.lnk.Key,
			Detail: fmt.Sprintf("occupancy %d exceeds buffer %d", len(ls.queue), ls.lnk.Buffer),
		}
	}
	return nil
}

// interleaveArrivals merges two same-tick arrival batches so that each
// is admitted in proportion to its size.  Within a tick arrival order
// is not observable, and a plain concatenation would let whichever
// batch went first claim the whole remaining buffer.
func interleaveArrivals(a, b []packet) []packet {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	merged := make([]packet, 0, len(a)+len(b))
	ai, bi := 0, 0
	for ai < len(a) || bi < len(b) {
		// take from the batch that is proportionally behind; a wins ties
		if bi >= len(b) || (ai < len(a) && ai*len(b) <= bi*len(a)) {
			merged = append(merged, a[ai])
			ai += 1
		} else {
			merged = append(merged, b[bi])
			bi += 1
		}
	}
	return merged
}

// expRV returns a sample of an exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV has the signature cross-traffic sources expect for
// drawing a next interarrival time
func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, params[0])
}

// sampleConst is the constant-interarrival counterpart
func sampleConst(u01 float64, params []float64) float64 {
	return 1.0 / params[0]
}

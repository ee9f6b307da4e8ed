package tcpsim

// flow.go holds the per-run state of one TCP flow and the optional
// cross-traffic sources that compete with flows for link buffers

import (
	"github.com/iti/rngstream"
	"math"
)

// A FlowDesc declares one flow in a request
type FlowDesc struct {
	ID        string `json:"id" yaml:"id"`
	Src       string `json:"src" yaml:"src"`
	Dst       string `json:"dst" yaml:"dst"`
	Algorithm string `json:"algorithm" yaml:"algorithm"`
}

// flowState is the mutable per-run companion of a FlowDesc.  It is
// created at simulation start and discarded when the run ends; runs
// never share flow states.
type flowState struct {
	idx  int // index into the run's flow arena
	desc FlowDesc

	algorithm string // canonical name
	route     *resolvedPath
	cc        congestionControl

	// sender accounting, in whole segments
	inflight       int
	sentTotal      int64
	deliveredTotal int64
	droppedTotal   int64

	credit  float64 // pacing credit, fractional segments
	srtt    float64 // smoothed round-trip estimate, seconds
	lastAck float64 // time acknowledgements last arrived

	sched *ackScheduler

	// scratch accumulated during the current tick
	completedPkts int     // segments that finished the path this tick
	completedRtt  float64 // their summed round trips
	dropsThisTick int     // path drops charged to this flow this tick
}

// createFlowState builds the run-time record for one declared flow
func createFlowState(idx int, desc FlowDesc, algorithm string, route *resolvedPath) (*flowState, error) {
	cc, err := createCongestionControl(algorithm, desc.ID)
	if err != nil {
		return nil, err
	}
	fs := &flowState{
		idx:       idx,
		desc:      desc,
		algorithm: algorithm,
		route:     route,
		cc:        cc,
		sched:     createAckScheduler(),
	}
	fs.srtt = fs.baseRTT()
	return fs, nil
}

// baseRTT is the round trip of the path's cumulative one-way
// propagation delay, the floor under every RTT estimate
func (fs *flowState) baseRTT() float64 {
	return math.Max(2.0*fs.route.delaySec, 1e-3)
}

// observeRTT folds a measured round trip into the smoothed estimate
func (fs *flowState) observeRTT(sample float64) {
	// standard 7/8 smoothing
	fs.srtt = 0.875*fs.srtt + 0.125*sample
}

// resetTickScratch clears the per-tick accumulators
func (fs *flowState) resetTickScratch() {
	fs.completedPkts = 0
	fs.completedRtt = 0.0
	fs.dropsThisTick = 0
}

// A CrossTrafficDesc declares a background packet source competing for
// one link's buffer.  Cross traffic is not congestion controlled; it
// exists to load a queue.
type CrossTrafficDesc struct {
	Link  string  `json:"link" yaml:"link"`   // "<nodeA>-<nodeB>"
	Rate  float64 `json:"rate" yaml:"rate"`   // Mbps
	Model string  `json:"model" yaml:"model"` // "constant" or "exponential"
}

// crossSource is the run-time generator for one CrossTrafficDesc
type crossSource struct {
	idx     int
	linkIdx int

	arrivalRate float64 // packets per second
	nextAt      float64 // due time of the next arrival

	rngstrm          *rngstream.RngStream
	sampleNxtArrival func(float64, []float64) float64
}

// createCrossSource builds a generator delivering Rate Mbps worth of
// MSS-sized packets to the named link
func createCrossSource(idx, linkIdx int, desc CrossTrafficDesc, mss int, streamName string) *crossSource {
	cs := new(crossSource)
	cs.idx = idx
	cs.linkIdx = linkIdx
	cs.arrivalRate = desc.Rate * 1e6 / float64(8*mss)
	cs.rngstrm = rngstream.New(streamName)

	switch desc.Model {
	case "exponential", "expon", "exp":
		cs.sampleNxtArrival = sampleExpRV
	default:
		cs.sampleNxtArrival = sampleConst
	}

	cs.nextAt = roundFloat(cs.sampleNxtArrival(cs.rngstrm.RandU01(), []float64{cs.arrivalRate}), rdigits)
	return cs
}

// arrivalsThrough advances the generator and returns how many packets
// arrive at or before time t
func (cs *crossSource) arrivalsThrough(t float64) int {
	n := 0
	for cs.nextAt <= t {
		n += 1
		step := cs.sampleNxtArrival(cs.rngstrm.RandU01(), []float64{cs.arrivalRate})
		cs.nextAt = roundFloat(cs.nextAt+step, rdigits)
	}
	return n
}

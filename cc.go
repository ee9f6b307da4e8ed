package tcpsim

// cc.go holds the congestion control state machines.  Three variants
// share one tick-level contract: consume the feedback the simulation
// loop measured this tick, produce an updated congestion window and
// phase.  The variant is chosen at flow creation and never changes.

import (
	"fmt"
	"math"
	"strings"
)

// algorithm family identifiers, matched case-insensitively in requests
const (
	AlgoReno  = "reno"
	AlgoCubic = "cubic"
	AlgoBBR   = "bbr"
)

// phase labels reported in samples
const (
	PhaseSlowStart           = "slow_start"
	PhaseCongestionAvoidance = "congestion_avoidance"
	PhaseFastRecovery        = "fast_recovery"
	PhaseStartup             = "startup"
	PhaseDrain               = "drain"
	PhaseProbeBW             = "probe_bw"
	PhaseProbeRTT            = "probe_rtt"
)

// normalizeAlgorithm maps request spellings onto the canonical names
func normalizeAlgorithm(algo string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(algo)) {
	case "reno", "newreno", "tcpnewreno":
		return AlgoReno, nil
	case "cubic", "tcpcubic":
		return AlgoCubic, nil
	case "bbr", "tcpbbr":
		return AlgoBBR, nil
	}
	return "", &ValidationError{Field: "algorithm", Msg: fmt.Sprintf("unknown algorithm %q", algo)}
}

// tickFeedback is what the simulation loop measured for one flow over
// one tick.  Windows and rates are in MSS-sized segments.
type tickFeedback struct {
	now         float64 // simulation time, seconds
	dt          float64 // tick length, seconds
	rtt         float64 // smoothed round-trip estimate, seconds
	measuredRTT float64 // raw round trip averaged over this tick's acks; 0 when none arrived
	ackedPkts   float64 // segments acknowledged this tick
	inflight    float64 // segments outstanding after this tick's acks
	loss        bool    // queue drop signal reached the sender this tick
	timeout     bool    // sustained loss with no acknowledgements for a full RTT
}

// congestionControl is the closed contract the three variants implement
type congestionControl interface {
	// advance applies one tick of feedback; the error is an
	// InvariantViolation if the control law produced a non-finite or
	// negative window
	advance(fb tickFeedback) error
	cwnd() float64     // congestion window, segments
	ssthresh() float64 // slow-start threshold, segments; 0 when the variant has none
	phase() string
}

// createCongestionControl selects the variant for one flow
func createCongestionControl(algorithm, flowID string) (congestionControl, error) {
	canonical, err := normalizeAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	switch canonical {
	case AlgoReno:
		return createRenoState(flowID), nil
	case AlgoCubic:
		return createCubicState(flowID), nil
	case AlgoBBR:
		return createBBRState(flowID), nil
	}
	panic("unreachable algorithm dispatch")
}

// bound applies the one-segment floor and the receive-window analogue
// cap after a control law update
func bound(window float64) float64 {
	if window < minCwndSegments {
		return minCwndSegments
	}
	if window > maxCwndSegments {
		return maxCwndSegments
	}
	return window
}

// ---------------------------------------------------------------------
// loss-based additive-increase / multiplicative-decrease

type renoState struct {
	flowID string
	window float64
	thresh float64
	ph     string

	// set on a duplicate-ack loss, cleared by the first loss-free
	// tick that delivers new acknowledgements
	recovering bool
}

func createRenoState(flowID string) *renoState {
	return &renoState{
		flowID: flowID,
		window: minCwndSegments,
		thresh: maxCwndSegments,
		ph:     PhaseSlowStart,
	}
}

func (rs *renoState) cwnd() float64     { return rs.window }
func (rs *renoState) ssthresh() float64 { return rs.thresh }
func (rs *renoState) phase() string     { return rs.ph }

func (rs *renoState) advance(fb tickFeedback) error {
	switch {
	case fb.timeout:
		// the most severe backoff: back to one segment and re-enter
		// slow start; ssthresh keeps its value
		rs.window = minCwndSegments
		rs.ph = PhaseSlowStart
		rs.recovering = false

	case fb.loss:
		if !rs.recovering {
			rs.thresh = math.Max(rs.window/2.0, minCwndSegments)
			rs.window = rs.thresh
			rs.recovering = true
			rs.ph = PhaseFastRecovery
		}

	default:
		if rs.recovering && fb.ackedPkts > 0 {
			rs.recovering = false
			rs.ph = PhaseCongestionAvoidance
		}
		switch rs.ph {
		case PhaseSlowStart:
			// exponential: the window grows by everything acknowledged
			rs.window += fb.ackedPkts
			if rs.window >= rs.thresh {
				rs.ph = PhaseCongestionAvoidance
			}
		case PhaseCongestionAvoidance:
			// additive: one segment per window's worth of acks
			rs.window += fb.ackedPkts / math.Max(rs.window, 1.0)
		}
	}

	if err := checkFinite(fb.now, "flow "+rs.flowID, "cwnd", rs.window); err != nil {
		return err
	}
	rs.window = bound(rs.window)
	return nil
}

// ---------------------------------------------------------------------
// convex/concave window growth

const (
	cubicC    = 0.4
	cubicBeta = 0.7
)

type cubicState struct {
	flowID string
	window float64
	thresh float64
	ph     string

	wMax       float64 // window just before the last reduction
	wEst       float64 // Reno-friendly estimate grown alongside
	k          float64 // time offset where the cubic crosses wMax
	epochStart float64 // simulation time of the last reduction
}

func createCubicState(flowID string) *cubicState {
	return &cubicState{
		flowID: flowID,
		window: minCwndSegments,
		thresh: maxCwndSegments,
		ph:     PhaseSlowStart,
		wMax:   minCwndSegments,
		wEst:   minCwndSegments,
	}
}

func (cs *cubicState) cwnd() float64     { return cs.window }
func (cs *cubicState) ssthresh() float64 { return cs.thresh }
func (cs *cubicState) phase() string     { return cs.ph }

func (cs *cubicState) advance(fb tickFeedback) error {
	if fb.loss || fb.timeout {
		// multiplicative decrease gentler than halving; the
		// pre-reduction window becomes the target the cubic curve
		// approaches slowly and then accelerates past
		cs.wMax = cs.window
		cs.window = math.Max(cs.window*cubicBeta, minCwndSegments)
		cs.thresh = cs.window
		cs.k = math.Cbrt(cs.wMax * (1.0 - cubicBeta) / cubicC)
		cs.wEst = cs.window
		cs.epochStart = fb.now
		cs.ph = PhaseCongestionAvoidance
	} else {
		switch cs.ph {
		case PhaseSlowStart:
			cs.window += fb.ackedPkts
			if cs.window >= cs.thresh {
				cs.ph = PhaseCongestionAvoidance
				cs.epochStart = fb.now
				cs.wMax = cs.window
				cs.wEst = cs.window
				cs.k = 0.0
			}
		case PhaseCongestionAvoidance:
			t := (fb.now + fb.rtt) - cs.epochStart
			wCubic := cubicC*math.Pow(t-cs.k, 3) + cs.wMax
			cs.wEst += fb.ackedPkts / math.Max(cs.wEst, 1.0)
			if wCubic < cs.wEst {
				// Reno-friendly region
				cs.window = math.Max(cs.window, cs.wEst)
			} else {
				cs.window += (wCubic - cs.window) / math.Max(cs.window, 1.0) * fb.ackedPkts
			}
		}
	}

	if err := checkFinite(fb.now, "flow "+cs.flowID, "cwnd", cs.window); err != nil {
		return err
	}
	cs.window = bound(cs.window)
	return nil
}

// ---------------------------------------------------------------------
// model-based bandwidth/RTT estimation

const (
	bbrStartupGain  = 2.885 // 2/ln(2), the classic startup pacing gain
	bbrMinWindow    = 4.0   // segments
	bbrBwWindowSec  = 2.0   // max-filter horizon for delivery rate
	bbrRttWindowSec = 10.0  // min-filter horizon for round-trip samples
	bbrProbeRTTSec  = 10.0  // interval between rttMin re-probes
	bbrProbeRTTHold = 0.2   // seconds spent at the floor re-measuring
)

// probe cycle pacing gains, advanced one slot per rttMin
var bbrCycleGains = [...]float64{1.25, 0.75, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0}

type bbrState struct {
	flowID string
	window float64
	ph     string

	btlBw  *windowedFilter // max observed delivery rate, segments/sec
	rttMin *windowedFilter // min observed round trip, seconds

	// startup plateau detection
	fullBw      float64
	fullBwCount int
	roundStart  float64

	// probe bandwidth cycling
	cycleIdx   int
	cycleStamp float64

	// rttMin re-probe scheduling
	probeRTTDone float64 // when the current floor-hold ends
	nextProbeRTT float64
}

func createBBRState(flowID string) *bbrState {
	return &bbrState{
		flowID:       flowID,
		window:       bbrMinWindow,
		ph:           PhaseStartup,
		btlBw:        createWindowedFilter(filterMax, bbrBwWindowSec),
		rttMin:       createWindowedFilter(filterMin, bbrRttWindowSec),
		nextProbeRTT: bbrProbeRTTSec,
	}
}

func (bs *bbrState) cwnd() float64 { return bs.window }

// ssthresh has no meaning under the model-based variant
func (bs *bbrState) ssthresh() float64 { return 0.0 }
func (bs *bbrState) phase() string     { return bs.ph }

// bdp is the bandwidth-delay product in segments, the model's estimate
// of the right amount of data to keep in flight
func (bs *bbrState) bdp() float64 {
	bw, bwOK := bs.btlBw.best()
	rtt, rttOK := bs.rttMin.best()
	if !bwOK || !rttOK {
		return bbrMinWindow
	}
	return math.Max(bw*rtt, bbrMinWindow)
}

func (bs *bbrState) advance(fb tickFeedback) error {
	// feed the filters; loss is deliberately not a signal here.  The
	// min filter takes raw measurements: the smoothed estimate carries
	// standing queueing delay, which over the filter horizon would
	// inflate rttMin and with it every BDP-derived window.
	if fb.measuredRTT > 0 {
		bs.rttMin.update(fb.now, fb.measuredRTT)
	}
	if fb.ackedPkts > 0 && fb.dt > 0 {
		bs.btlBw.update(fb.now, fb.ackedPkts/fb.dt)
	}

	rtt, rttOK := bs.rttMin.best()
	if !rttOK {
		rtt = fb.rtt
	}

	switch bs.ph {
	case PhaseStartup:
		// grow by a factor of 2/ln(2) per round trip while watching for
		// the delivery rate to stop improving across three estimation
		// rounds
		bs.window += (bbrStartupGain - 1.0) * fb.ackedPkts
		if fb.now-bs.roundStart >= rtt && rtt > 0 {
			bs.roundStart = fb.now
			bw, _ := bs.btlBw.best()
			if bw > bs.fullBw*1.25 {
				bs.fullBw = bw
				bs.fullBwCount = 0
			} else {
				bs.fullBwCount += 1
				if bs.fullBwCount >= 3 {
					bs.ph = PhaseDrain
				}
			}
		}

	case PhaseDrain:
		// bleed the queue built during startup back down to the BDP
		target := bs.bdp()
		if bs.window > target {
			bs.window = math.Max(target, bs.window-fb.ackedPkts)
		}
		if fb.inflight <= target {
			bs.ph = PhaseProbeBW
			bs.cycleIdx = 0
			bs.cycleStamp = fb.now
		}

	case PhaseProbeBW:
		if fb.now-bs.cycleStamp >= rtt && rtt > 0 {
			bs.cycleIdx = (bs.cycleIdx + 1) % len(bbrCycleGains)
			bs.cycleStamp = fb.now
		}
		bs.window = math.Max(bbrCycleGains[bs.cycleIdx]*bs.bdp(), bbrMinWindow)
		if fb.now >= bs.nextProbeRTT {
			bs.ph = PhaseProbeRTT
			bs.probeRTTDone = fb.now + math.Max(bbrProbeRTTHold, rtt)
		}

	case PhaseProbeRTT:
		// hold the window at the floor so queues empty and the
		// propagation delay can be observed cleanly
		bs.window = bbrMinWindow
		if fb.now >= bs.probeRTTDone {
			bs.ph = PhaseProbeBW
			bs.cycleIdx = 0
			bs.cycleStamp = fb.now
			bs.nextProbeRTT = fb.now + bbrProbeRTTSec
		}
	}

	if err := checkFinite(fb.now, "flow "+bs.flowID, "cwnd", bs.window); err != nil {
		return err
	}
	if bs.window < bbrMinWindow {
		bs.window = bbrMinWindow
	}
	if bs.window > maxCwndSegments {
		bs.window = maxCwndSegments
	}
	return nil
}

// ---------------------------------------------------------------------
// windowed extremum filters backing the model-based variant

type filterKind int

const (
	filterMax filterKind = iota
	filterMin
)

type filterSample struct {
	t float64
	v float64
}

// a windowedFilter tracks the extremum of samples observed within a
// sliding time horizon, as a monotonic deque: entries age out at the
// front, and entries the newest sample dominates are removed from the
// back before it is appended
type windowedFilter struct {
	kind    filterKind
	horizon float64
	entries []filterSample
}

func createWindowedFilter(kind filterKind, horizonSec float64) *windowedFilter {
	return &windowedFilter{kind: kind, horizon: horizonSec}
}

// dominates reports whether sample a makes a later sample b redundant
func (wf *windowedFilter) dominates(a, b float64) bool {
	if wf.kind == filterMax {
		return a >= b
	}
	return a <= b
}

func (wf *windowedFilter) update(now, v float64) {
	for len(wf.entries) > 0 && now-wf.entries[0].t > wf.horizon {
		wf.entries = wf.entries[1:]
	}
	for len(wf.entries) > 0 && wf.dominates(v, wf.entries[len(wf.entries)-1].v) {
		wf.entries = wf.entries[:len(wf.entries)-1]
	}
	wf.entries = append(wf.entries, filterSample{t: now, v: v})
}

// best returns the windowed extremum; false when no samples are held
func (wf *windowedFilter) best() (float64, bool) {
	if len(wf.entries) == 0 {
		return 0.0, false
	}
	return wf.entries[0].v, true
}

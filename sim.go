package tcpsim

// sim.go holds the simulation loop: a single time-stepped scheduler
// that advances every flow, link, and cross-traffic source in lockstep
// and records one sample per flow and per link per tick

// Ticks are strictly sequential within a run; each tick's queue and
// window state depends on the previous tick's.  Isolation across runs
// comes from construction: every Simulation owns its own flow states,
// link states, and trace, so concurrent runs need no locking.

import (
	"context"
	"fmt"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"math"
	"sort"
)

// SimParams are the global knobs of one run
type SimParams struct {
	Duration    float64 `json:"duration" yaml:"duration"` // seconds of simulated time
	Dt          float64 `json:"dt" yaml:"dt"`             // tick length, seconds
	MSS         int     `json:"mss" yaml:"mss"`           // segment size, bytes
	SampleEvery int     `json:"sampleEvery,omitempty" yaml:"sampleEvery,omitempty"`
}

// withDefaults fills unset parameters
func (sp SimParams) withDefaults() SimParams {
	if sp.Duration <= 0 {
		sp.Duration = DefaultDurationSec
	}
	if sp.Dt <= 0 {
		sp.Dt = DefaultTickSec
	}
	if sp.MSS <= 0 {
		sp.MSS = DefaultMSS
	}
	if sp.SampleEvery <= 0 {
		sp.SampleEvery = 1
	}
	return sp
}

// A Simulation owns all mutable state of one run: the flow arena, the
// link arena, cross-traffic sources, and the trace being recorded
type Simulation struct {
	topo   *Topology
	params SimParams

	flows  []*flowState // arena, in flow declaration order
	byID   []int        // arena indices sorted by flow id
	links  []*linkState // arena, parallel to topo.Links()
	cross  []*crossSource

	tm  *TraceManager
	ctx context.Context

	step int
	now  float64
	err  error // first fatal error, sticky
}

// createSimulation resolves every flow's path and builds the run's
// arenas.  The per-tick passes run in flow-id order; the arena keeps
// declaration order for mapping external engine output back to ids.
func createSimulation(ctx context.Context, topo *Topology, rr *routeResolver,
	flows []FlowDesc, cross []CrossTrafficDesc, params SimParams, tm *TraceManager) (*Simulation, error) {

	if ctx == nil {
		ctx = context.Background()
	}

	sim := &Simulation{
		topo:   topo,
		params: params.withDefaults(),
		tm:     tm,
		ctx:    ctx,
	}

	for idx, fd := range flows {
		algorithm, err := normalizeAlgorithm(fd.Algorithm)
		if err != nil {
			return nil, err
		}
		route, err := rr.findRoute(fd.Src, fd.Dst)
		if err != nil {
			return nil, err
		}
		fs, err := createFlowState(idx, fd, algorithm, route)
		if err != nil {
			return nil, err
		}
		sim.flows = append(sim.flows, fs)
		tm.AddPath(fd.ID, route.nodes)
	}

	sim.byID = make([]int, len(sim.flows))
	for idx := range sim.byID {
		sim.byID[idx] = idx
	}
	sort.Slice(sim.byID, func(i, j int) bool {
		return sim.flows[sim.byID[i]].desc.ID < sim.flows[sim.byID[j]].desc.ID
	})

	for _, lnk := range topo.Links() {
		sim.links = append(sim.links, createLinkState(lnk))
	}

	for idx, ct := range cross {
		lnk, present := topo.LinkByKey(ct.Link)
		if !present {
			return nil, &ValidationError{Field: "crossTraffic",
				Msg: fmt.Sprintf("link %q not in topology", ct.Link)}
		}
		name := fmt.Sprintf("xtraffic-%d-%s", idx, ct.Link)
		sim.cross = append(sim.cross, createCrossSource(idx, lnk.Number, ct, sim.params.MSS, name))
	}

	return sim, nil
}

// Run executes the simulation to its configured duration by scheduling
// a self-repeating tick event on a fresh event manager.  It returns the
// first fatal error, nil on a completed run.
func (sim *Simulation) Run() error {
	evtMgr := evtm.New()
	evtMgr.Schedule(sim, nil, simTick, vrtime.SecondsToTime(0.0))
	evtMgr.Run(sim.params.Duration + sim.params.Dt)

	if sim.err != nil {
		return sim.err
	}
	sim.finalize()
	return nil
}

// simTick is the event handler for one tick.  It reschedules itself
// until the simulated duration elapses, an error occurs, or the
// caller's wall-clock budget is exhausted.
func simTick(evtMgr *evtm.EventManager, cxt any, data any) any {
	sim := cxt.(*Simulation)
	if sim.err != nil {
		return nil
	}
	if sim.ctx.Err() != nil {
		sim.err = &TimeoutError{SimTime: sim.now}
		return nil
	}

	sim.now = roundFloat(float64(sim.step)*sim.params.Dt, rdigits)
	sim.advanceTick()

	sim.step += 1
	nxt := roundFloat(float64(sim.step)*sim.params.Dt, rdigits)
	if sim.err == nil && nxt <= sim.params.Duration+1e-9 {
		evtMgr.Schedule(sim, nil, simTick, vrtime.SecondsToTime(sim.params.Dt))
	}
	return nil
}

// advanceTick runs the fixed per-tick sequence: inject, propagate,
// schedule feedback, deliver feedback, advance the control laws, sample
func (sim *Simulation) advanceTick() {
	dt := sim.params.Dt
	mss := sim.params.MSS

	for _, fs := range sim.flows {
		fs.resetTickScratch()
	}

	// (1,2) window- and pacing-limited injection into each flow's
	// first link, in flow-id order: on a tie for the last buffer slot
	// the lexicographically least flow id wins.  Flows send up to their
	// window and let the link queues absorb the difference.
	for _, arenaIdx := range sim.byID {
		fs := sim.flows[arenaIdx]
		if len(fs.route.links) == 0 {
			continue
		}
		fs.credit += fs.cc.cwnd() / fs.srtt * dt
		windowLeft := int(math.Floor(fs.cc.cwnd())) - fs.inflight
		toSend := int(math.Floor(roundFloat(fs.credit, rdigits)))
		if toSend > windowLeft {
			toSend = windowLeft
		}
		if toSend <= 0 {
			continue
		}
		fs.credit -= float64(toSend)
		fs.sentTotal += int64(toSend)
		fs.inflight += toSend

		first := sim.links[fs.route.links[0]]
		for n := 0; n < toSend; n++ {
			pkt := packet{flowIdx: fs.idx, crossIdx: -1, hop: 0, sentAt: sim.now}
			if !first.admit(pkt) {
				fs.droppedTotal += 1
				fs.dropsThisTick += 1
				fs.inflight -= 1
			}
		}
	}

	// (3) every link serves its queue head for one tick.  Serving all
	// links before admitting this tick's arrivals keeps each packet to
	// at most one hop per tick, so multi-hop flows pay service delay at
	// every link.
	servedByLink := make([][]packet, len(sim.links))
	for idx, ls := range sim.links {
		servedByLink[idx] = ls.serve(dt, mss)
	}

	// forwarded flow packets advance one hop; cross traffic arrives on
	// its link.  Both batches are collected first and admitted together
	// below so they meet the same queue state.
	arrivals := make([][]packet, len(sim.links))
	crossArrivals := make([][]packet, len(sim.links))
	for _, served := range servedByLink {
		for _, pkt := range served {
			if pkt.flowIdx < 0 {
				// cross traffic leaves the network after its link
				continue
			}
			fs := sim.flows[pkt.flowIdx]
			pkt.hop += 1
			if pkt.hop < len(fs.route.links) {
				nxt := fs.route.links[pkt.hop]
				arrivals[nxt] = append(arrivals[nxt], pkt)
				continue
			}
			// (4) path complete: deliver, and schedule the ack to
			// reach the sender after the round trip of the path's
			// cumulative propagation delay
			fs.deliveredTotal += 1
			fs.completedPkts += 1
			due := roundFloat(sim.now+2.0*fs.route.delaySec, rdigits)
			fs.completedRtt += due - pkt.sentAt
		}
	}
	for _, cs := range sim.cross {
		for n := cs.arrivalsThrough(sim.now); n > 0; n-- {
			pkt := packet{flowIdx: -1, crossIdx: cs.idx, sentAt: sim.now}
			crossArrivals[cs.linkIdx] = append(crossArrivals[cs.linkIdx], pkt)
		}
	}

	// each link admits the tick's arrivals as one interleaved batch, so
	// a tail drop at a full buffer can land on either source
	for idx, ls := range sim.links {
		for _, pkt := range interleaveArrivals(arrivals[idx], crossArrivals[idx]) {
			if ls.admit(pkt) || pkt.flowIdx < 0 {
				continue
			}
			fs := sim.flows[pkt.flowIdx]
			fs.droppedTotal += 1
			fs.dropsThisTick += 1
			fs.inflight -= 1
		}
	}

	for _, fs := range sim.flows {
		if fs.completedPkts > 0 {
			fs.sched.schedule(&ackEvent{
				due:    roundFloat(sim.now+2.0*fs.route.delaySec, rdigits),
				pkts:   fs.completedPkts,
				rttSum: fs.completedRtt,
			})
		}
		if fs.dropsThisTick > 0 {
			// the sender learns of a queue drop one RTT after it happens
			fs.sched.schedule(&ackEvent{
				due:      roundFloat(sim.now+fs.srtt, rdigits),
				lossPkts: fs.dropsThisTick,
			})
		}
	}

	// (5,6) deliver due feedback and advance each control law, flows
	// in id order
	for _, arenaIdx := range sim.byID {
		fs := sim.flows[arenaIdx]

		acked := 0
		lost := 0
		rttSum := 0.0
		for _, ev := range fs.sched.dueBy(sim.now + 1e-9) {
			acked += ev.pkts
			lost += ev.lossPkts
			rttSum += ev.rttSum
		}

		measured := 0.0
		if acked > 0 {
			fs.inflight -= acked
			if fs.inflight < 0 {
				sim.err = &InvariantViolation{
					Time:   sim.now,
					Object: "flow " + fs.desc.ID,
					Detail: fmt.Sprintf("inflight %d after %d acks", fs.inflight, acked),
				}
				return
			}
			measured = rttSum / float64(acked)
			fs.observeRTT(measured)
			fs.lastAck = sim.now
		}

		loss := lost > 0
		timeout := loss && sim.now-fs.lastAck >= fs.srtt

		fb := tickFeedback{
			now:         sim.now,
			dt:          dt,
			rtt:         fs.srtt,
			measuredRTT: measured,
			ackedPkts:   float64(acked),
			inflight:    float64(fs.inflight),
			loss:        loss && !timeout,
			timeout:     timeout,
		}
		if err := fs.cc.advance(fb); err != nil {
			sim.err = err
			return
		}

		// (7) per-flow sample
		if sim.step%sim.params.SampleEvery == 0 {
			buffer := 0
			for _, linkIdx := range fs.route.links {
				buffer += sim.links[linkIdx].occupancy()
			}
			sim.tm.AddSample(fs.desc.ID, Sample{
				Time:       sim.now,
				Cwnd:       fs.cc.cwnd(),
				Throughput: float64(fs.completedPkts) * float64(mss) * 8.0 / (dt * 1e6),
				Buffer:     buffer,
				Inflight:   fs.inflight,
				Sent:       fs.sentTotal,
				Delivered:  fs.deliveredTotal,
				Dropped:    fs.droppedTotal,
				Phase:      fs.cc.phase(),
			})
		}
	}

	// per-link sample and conservation audit
	for _, ls := range sim.links {
		ls.sampleOccupancy()
		if err := ls.checkConservation(sim.now); err != nil {
			sim.err = err
			return
		}
	}
}

// finalize copies link parameters and queue histories into the trace
func (sim *Simulation) finalize() {
	for _, ls := range sim.links {
		sim.tm.AddLinkDebug(ls.lnk.Key, LinkDebug{
			Bandwidth:    ls.lnk.Bandwidth,
			Delay:        ls.lnk.Delay,
			Buffer:       ls.lnk.Buffer,
			QueueHistory: append([]int{}, ls.history...),
		})
	}
}

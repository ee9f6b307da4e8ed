// Package tcpsim is a tick-based simulation engine for TCP congestion
// control over small router topologies.  A caller describes a topology,
// the links' characteristics, and a set of flows each running one of
// three congestion control algorithm families; the engine produces
// per-flow and per-link time series (congestion window, throughput,
// in-flight packets, queue occupancy, drops) suitable for visualization
// or offline analysis.
package tcpsim

// tcpsim.go holds package-wide constants, unit helpers, and the error
// taxonomy shared by setup and run-time code

import (
	"fmt"
	"math"
	"strconv"
)

// default simulation parameters, overridable per request
const (
	DefaultBandwidthMbps = 5.0  // link capacity, Mbps
	DefaultDelayMs       = 15.0 // one-way propagation delay, ms
	DefaultBufferPkts    = 20   // link queue capacity, packets
	DefaultDurationSec   = 20.0 // simulated duration, seconds
	DefaultTickSec       = 0.05 // tick length, seconds
	DefaultMSS           = 1500 // segment size, bytes
)

// maxCwndSegments caps window growth so that a runaway control law
// cannot push cwnd into numeric ranges where float arithmetic degrades.
// It stands in for the receiver's advertised window.
const maxCwndSegments = 1.0e6

// minCwndSegments is the floor under every control law
const minCwndSegments = 1.0

// rdigits is the precision used when rounding computed simulation times
var rdigits uint = 12

// roundFloat rounds computed simulation time to avoid non-sensical
// comparisons induced by accumulated floating point error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// A ValidationError reports a malformed or self-contradictory request.
// The run is rejected before any simulation state is built.
type ValidationError struct {
	Field string // request field at fault, empty when cross-field
	Msg   string
}

func (ve *ValidationError) Error() string {
	if len(ve.Field) > 0 {
		return "validation: " + ve.Field + ": " + ve.Msg
	}
	return "validation: " + ve.Msg
}

// A TopologyError reports that a requested flow cannot be routed, or that
// an attachment references a router the chosen template does not define.
type TopologyError struct {
	Msg string
}

func (te *TopologyError) Error() string {
	return "topology: " + te.Msg
}

// An InvariantViolation reports an internal engine fault discovered
// mid-run, e.g. a non-finite congestion window or a negative queue
// occupancy.  The run is aborted and no trace is returned; the Detail
// string carries enough state to diagnose the fault.
type InvariantViolation struct {
	Time   float64 // simulation time of detection
	Object string  // flow or link the fault was observed on
	Detail string
}

func (iv *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated at t=%s on %s: %s",
		strconv.FormatFloat(iv.Time, 'f', -1, 64), iv.Object, iv.Detail)
}

// A TimeoutError reports that the run exceeded the caller's wall-clock
// budget.  Partial results are discarded.
type TimeoutError struct {
	SimTime float64 // simulated time reached when the budget expired
}

func (te *TimeoutError) Error() string {
	return fmt.Sprintf("run cancelled at simulated time %.3fs: wall-clock budget exceeded", te.SimTime)
}

// ClientCaused distinguishes faults in the request (validation, routing)
// from faults in the engine or its budget
func ClientCaused(err error) bool {
	switch err.(type) {
	case *ValidationError, *TopologyError:
		return true
	}
	return false
}

// checkFinite guards a freshly computed control variable.  A NaN,
// infinity, or negative value is a programming error in the control
// law, never something to clamp silently.
func checkFinite(now float64, object, name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0.0 {
		return &InvariantViolation{
			Time:   now,
			Object: object,
			Detail: fmt.Sprintf("%s = %v", name, v),
		}
	}
	return nil
}

package tcpsim

// api.go defines the request/response records the transport layer
// exchanges with the engine, the validation applied before any
// simulation state is built, and the Engine abstraction that lets an
// external packet-level simulator stand in for the tick engine

import (
	"context"
	"encoding/json"
	"fmt"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
	"io"
	"os"
	"strings"
)

// A SingleFlowRequest describes one flow through one bottleneck
type SingleFlowRequest struct {
	Algorithm string  `json:"algorithm" yaml:"algorithm"`
	Bandwidth float64 `json:"bandwidth" yaml:"bandwidth"` // Mbps
	Delay     float64 `json:"delay" yaml:"delay"`         // ms, one way
	Buffer    int     `json:"buffer" yaml:"buffer"`       // packets
	Duration  float64 `json:"duration" yaml:"duration"`   // seconds
	MSS       int     `json:"mss" yaml:"mss"`             // bytes
	Dt        float64 `json:"dt,omitempty" yaml:"dt,omitempty"`
}

// A SingleFlowResponse carries the trace, or the failure that prevented
// one
type SingleFlowResponse struct {
	Success   bool     `json:"success"`
	Trace     []Sample `json:"trace,omitempty"`
	Error     string   `json:"error,omitempty"`
	Traceback string   `json:"traceback,omitempty"`
}

// A MultiFlowRequest describes a topology template, its link
// parameters, the attached endpoints, and the contending flows
type MultiFlowRequest struct {
	Topology      string                  `json:"topology" yaml:"topology"`
	LinkParams    MultiLinkParams         `json:"linkParams" yaml:"linkParams"`
	LinkOverrides map[string]LinkOverride `json:"linkOverrides,omitempty" yaml:"linkOverrides,omitempty"`
	Senders       []Attachment            `json:"senders" yaml:"senders"`
	Receivers     []Attachment            `json:"receivers" yaml:"receivers"`
	Flows         []FlowDesc              `json:"flows" yaml:"flows"`
	CrossTraffic  []CrossTrafficDesc      `json:"crossTraffic,omitempty" yaml:"crossTraffic,omitempty"`
}

// MultiLinkParams are the global defaults every link starts from
type MultiLinkParams struct {
	Bandwidth float64 `json:"bandwidth" yaml:"bandwidth"` // Mbps
	Delay     float64 `json:"delay" yaml:"delay"`         // ms, one way
	Buffer    int     `json:"buffer" yaml:"buffer"`       // packets
	Duration  float64 `json:"duration" yaml:"duration"`   // seconds
	MSS       int     `json:"mss" yaml:"mss"`             // bytes
	Dt        float64 `json:"dt" yaml:"dt"`               // seconds
}

// withDefaults fills unset link parameters
func (mlp MultiLinkParams) withDefaults() MultiLinkParams {
	if mlp.Bandwidth <= 0 {
		mlp.Bandwidth = DefaultBandwidthMbps
	}
	if mlp.Delay <= 0 {
		mlp.Delay = DefaultDelayMs
	}
	if mlp.Buffer <= 0 {
		mlp.Buffer = DefaultBufferPkts
	}
	if mlp.Duration <= 0 {
		mlp.Duration = DefaultDurationSec
	}
	if mlp.MSS <= 0 {
		mlp.MSS = DefaultMSS
	}
	if mlp.Dt <= 0 {
		mlp.Dt = DefaultTickSec
	}
	return mlp
}

// DebugInfo is the diagnostic payload returned alongside multi-flow
// traces
type DebugInfo struct {
	Links      map[string]LinkDebug `json:"links" yaml:"links"`
	Paths      map[string][]string  `json:"paths" yaml:"paths"`
	GraphNodes []string             `json:"graph_nodes" yaml:"graph_nodes"`
}

// A MultiFlowResponse carries per-flow traces keyed by flow id, debug
// state, or the failure that prevented a run
type MultiFlowResponse struct {
	Success   bool                `json:"success"`
	Traces    map[string][]Sample `json:"traces,omitempty"`
	Debug     *DebugInfo          `json:"debug,omitempty"`
	Error     string              `json:"error,omitempty"`
	Traceback string              `json:"traceback,omitempty"`
}

// An Engine turns requests into traces.  The tick engine implements it
// natively; an external packet-level simulator can be substituted as
// long as it emits the same sample schema, so the rendering layer never
// knows which engine ran.
type Engine interface {
	Name() string
	SimulateSingle(ctx context.Context, req SingleFlowRequest) ([]Sample, error)
	SimulateMulti(ctx context.Context, req MultiFlowRequest) (map[string][]Sample, *DebugInfo, error)
}

// validateSingle screens a single-flow request before any state is built
func validateSingle(req SingleFlowRequest) error {
	if _, err := normalizeAlgorithm(req.Algorithm); err != nil {
		return err
	}
	if req.Bandwidth <= 0 {
		return &ValidationError{Field: "bandwidth", Msg: "must be positive"}
	}
	if req.Delay < 0 {
		return &ValidationError{Field: "delay", Msg: "must be non-negative"}
	}
	if req.Buffer < 1 {
		return &ValidationError{Field: "buffer", Msg: "must be at least one packet"}
	}
	if req.Duration <= 0 {
		return &ValidationError{Field: "duration", Msg: "must be positive"}
	}
	if req.MSS <= 0 {
		return &ValidationError{Field: "mss", Msg: "must be positive"}
	}
	return nil
}

// validateMulti screens a multi-flow request: identities must be
// unique, every flow must reference a declared sender and receiver, and
// no endpoint may reuse a template router's name
func validateMulti(req MultiFlowRequest) error {
	routers, present := templateRouters[strings.ToLower(strings.TrimSpace(req.Topology))]
	if !present {
		// template spelling is normalized and re-checked in BuildTopology
		routers = nil
	}

	if len(req.Senders) == 0 {
		return &ValidationError{Field: "senders", Msg: "at least one sender required"}
	}
	if len(req.Receivers) == 0 {
		return &ValidationError{Field: "receivers", Msg: "at least one receiver required"}
	}
	if len(req.Flows) == 0 {
		return &ValidationError{Field: "flows", Msg: "at least one flow required"}
	}

	// an endpoint id may appear more than once to multi-home onto
	// several routers, but not twice on the same router, and never on
	// both sides or as a router's name
	var senderIDs, receiverIDs, flowIDs []string
	seen := make(map[Attachment]bool)
	for _, snd := range req.Senders {
		if len(snd.ID) == 0 {
			return &ValidationError{Field: "senders", Msg: "sender id must be non-empty"}
		}
		if seen[snd] {
			return &ValidationError{Field: "senders", Msg: fmt.Sprintf("duplicate attachment %s to %s", snd.ID, snd.Attach)}
		}
		seen[snd] = true
		if slices.Contains(routers, snd.ID) {
			return &ValidationError{Field: "senders", Msg: fmt.Sprintf("sender id %q collides with a template router", snd.ID)}
		}
		if !slices.Contains(senderIDs, snd.ID) {
			senderIDs = append(senderIDs, snd.ID)
		}
	}
	for _, rcv := range req.Receivers {
		if len(rcv.ID) == 0 {
			return &ValidationError{Field: "receivers", Msg: "receiver id must be non-empty"}
		}
		if seen[rcv] {
			return &ValidationError{Field: "receivers", Msg: fmt.Sprintf("duplicate attachment %s to %s", rcv.ID, rcv.Attach)}
		}
		seen[rcv] = true
		if slices.Contains(senderIDs, rcv.ID) || slices.Contains(routers, rcv.ID) {
			return &ValidationError{Field: "receivers", Msg: fmt.Sprintf("receiver id %q collides with another node", rcv.ID)}
		}
		if !slices.Contains(receiverIDs, rcv.ID) {
			receiverIDs = append(receiverIDs, rcv.ID)
		}
	}

	for _, fd := range req.Flows {
		if len(fd.ID) == 0 {
			return &ValidationError{Field: "flows", Msg: "flow id must be non-empty"}
		}
		if slices.Contains(flowIDs, fd.ID) {
			return &ValidationError{Field: "flows", Msg: fmt.Sprintf("duplicate flow id %q", fd.ID)}
		}
		flowIDs = append(flowIDs, fd.ID)

		if fd.Src == fd.Dst {
			return &ValidationError{Field: "flows", Msg: fmt.Sprintf("flow %q has identical src and dst %q", fd.ID, fd.Src)}
		}
		if !slices.Contains(senderIDs, fd.Src) {
			return &ValidationError{Field: "flows", Msg: fmt.Sprintf("flow %q references unknown sender %q", fd.ID, fd.Src)}
		}
		if !slices.Contains(receiverIDs, fd.Dst) {
			return &ValidationError{Field: "flows", Msg: fmt.Sprintf("flow %q references unknown receiver %q", fd.ID, fd.Dst)}
		}
		if _, err := normalizeAlgorithm(fd.Algorithm); err != nil {
			return err
		}
	}

	for _, ct := range req.CrossTraffic {
		if ct.Rate <= 0 {
			return &ValidationError{Field: "crossTraffic", Msg: "rate must be positive"}
		}
	}
	return nil
}

// TickEngine is the built-in fluid/tick-based execution engine
type TickEngine struct{}

// CreateTickEngine is a constructor
func CreateTickEngine() *TickEngine {
	return new(TickEngine)
}

func (te *TickEngine) Name() string { return "tick" }

// fixed node and flow names a single-flow run uses, matching the
// classic sender/receiver labels of the dumbbell setup
const (
	singleFlowSender   = "N0"
	singleFlowReceiver = "N1"
	singleFlowID       = "flow0"
)

// SimulateSingle runs one flow through the single-router template with
// the requested bottleneck characteristics
func (te *TickEngine) SimulateSingle(ctx context.Context, req SingleFlowRequest) ([]Sample, error) {
	if err := validateSingle(req); err != nil {
		return nil, err
	}

	dt := req.Dt
	if dt <= 0 {
		dt = 0.01
	}
	// sample on the classic 100ms stride regardless of tick length
	stride := int(0.1/dt + 0.5)
	if stride < 1 {
		stride = 1
	}

	mreq := MultiFlowRequest{
		Topology: TopoSingle,
		LinkParams: MultiLinkParams{
			Bandwidth: req.Bandwidth,
			Delay:     req.Delay,
			Buffer:    req.Buffer,
			Duration:  req.Duration,
			MSS:       req.MSS,
			Dt:        dt,
		},
		Senders:   []Attachment{{ID: singleFlowSender, Attach: "R"}},
		Receivers: []Attachment{{ID: singleFlowReceiver, Attach: "R"}},
		Flows: []FlowDesc{
			{ID: singleFlowID, Src: singleFlowSender, Dst: singleFlowReceiver, Algorithm: req.Algorithm},
		},
	}

	traces, _, err := te.simulate(ctx, mreq, stride)
	if err != nil {
		return nil, err
	}
	return traces[singleFlowID], nil
}

// SimulateMulti runs every declared flow over the requested topology
func (te *TickEngine) SimulateMulti(ctx context.Context, req MultiFlowRequest) (map[string][]Sample, *DebugInfo, error) {
	return te.simulate(ctx, req, 1)
}

func (te *TickEngine) simulate(ctx context.Context, req MultiFlowRequest, stride int) (map[string][]Sample, *DebugInfo, error) {
	if err := validateMulti(req); err != nil {
		return nil, nil, err
	}

	lp := req.LinkParams.withDefaults()
	dflt := LinkParams{Bandwidth: lp.Bandwidth, Delay: lp.Delay, Buffer: lp.Buffer}

	topo, err := BuildTopology(req.Topology, req.Senders, req.Receivers, dflt, req.LinkOverrides)
	if err != nil {
		return nil, nil, err
	}
	for key := range req.LinkOverrides {
		if _, present := topo.LinkByKey(key); !present {
			return nil, nil, &ValidationError{Field: "linkOverrides",
				Msg: fmt.Sprintf("key %q matches no link in the topology", key)}
		}
	}

	rr := newRouteResolver(topo)
	tm := CreateTraceManager("simulate-"+topo.Template, true)

	params := SimParams{Duration: lp.Duration, Dt: lp.Dt, MSS: lp.MSS, SampleEvery: stride}
	sim, err := createSimulation(ctx, topo, rr, req.Flows, req.CrossTraffic, params, tm)
	if err != nil {
		return nil, nil, err
	}
	if err := sim.Run(); err != nil {
		return nil, nil, err
	}

	nodes := make([]string, 0, len(topo.nodeByID))
	for name := range topo.nodeByID {
		nodes = append(nodes, name)
	}
	slices.Sort(nodes)

	dbg := &DebugInfo{Links: tm.Links, Paths: tm.Paths, GraphNodes: nodes}
	return tm.Traces, dbg, nil
}

// RunSingle executes a single-flow request on the given engine and
// wraps the outcome in the transport response shape
func RunSingle(ctx context.Context, eng Engine, req SingleFlowRequest) *SingleFlowResponse {
	trace, err := eng.SimulateSingle(ctx, req)
	if err != nil {
		return &SingleFlowResponse{Success: false, Error: err.Error(), Traceback: tracebackOf(err)}
	}
	return &SingleFlowResponse{Success: true, Trace: trace}
}

// RunMulti executes a multi-flow request on the given engine and wraps
// the outcome in the transport response shape
func RunMulti(ctx context.Context, eng Engine, req MultiFlowRequest) *MultiFlowResponse {
	traces, dbg, err := eng.SimulateMulti(ctx, req)
	if err != nil {
		return &MultiFlowResponse{Success: false, Error: err.Error(), Traceback: tracebackOf(err)}
	}
	return &MultiFlowResponse{Success: true, Traces: traces, Debug: dbg}
}

// tracebackOf surfaces internal diagnostic state for engine-caused
// failures; client-caused failures carry nothing beyond their message
func tracebackOf(err error) string {
	if iv, ok := err.(*InvariantViolation); ok {
		return iv.Detail
	}
	return ""
}

// ExportCSV runs a single-flow request and writes the trace as
// delimited text, the bulk-export format offline analysis consumes
func ExportCSV(ctx context.Context, eng Engine, req SingleFlowRequest, w io.Writer) error {
	trace, err := eng.SimulateSingle(ctx, req)
	if err != nil {
		return err
	}
	tm := CreateTraceManager("csv-export", true)
	for _, smpl := range trace {
		tm.AddSample(singleFlowID, smpl)
	}
	return tm.WriteCSV(w, singleFlowID)
}

// ReadScenario reads a MultiFlowRequest from the named file, or from
// the dict bytes when they are non-empty.  Serialization is chosen by
// the useYAML flag.
func ReadScenario(filename string, useYAML bool, dict []byte) (*MultiFlowRequest, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	req := new(MultiFlowRequest)
	if useYAML {
		err = yaml.Unmarshal(dict, req)
	} else {
		err = json.Unmarshal(dict, req)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// WriteScenario serializes a MultiFlowRequest to the named file, as
// yaml or json per the useYAML flag
func WriteScenario(filename string, useYAML bool, req MultiFlowRequest) error {
	var bytes []byte
	var err error
	if useYAML {
		bytes, err = yaml.Marshal(req)
	} else {
		bytes, err = json.MarshalIndent(req, "", "\t")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, bytes, 0644)
}

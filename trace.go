package tcpsim

// trace.go gathers the time series a run produces and serializes them
// for rendering or offline analysis

import (
	"encoding/csv"
	"encoding/json"
	"gopkg.in/yaml.v3"
	"io"
	"os"
	"path"
	"strconv"
)

// A Sample is one immutable per-flow metrics record, appended once per
// sampled tick and never mutated afterward
type Sample struct {
	Time       float64 `json:"time" yaml:"time"`
	Cwnd       float64 `json:"cwnd" yaml:"cwnd"`             // segments
	Throughput float64 `json:"throughput" yaml:"throughput"` // Mbps
	Buffer     int     `json:"buffer" yaml:"buffer"`         // packets queued on the flow's path
	Inflight   int     `json:"inflight" yaml:"inflight"`     // segments outstanding
	Sent       int64   `json:"sent" yaml:"sent"`
	Delivered  int64   `json:"delivered" yaml:"delivered"`
	Dropped    int64   `json:"dropped" yaml:"dropped"`
	Phase      string  `json:"phase" yaml:"phase"`
}

// A LinkDebug record reports one link's parameters and its queue
// occupancy sampled every tick
type LinkDebug struct {
	Bandwidth    float64 `json:"bandwidth" yaml:"bandwidth"`
	Delay        float64 `json:"delay" yaml:"delay"`
	Buffer       int     `json:"buffer" yaml:"buffer"`
	QueueHistory []int   `json:"queue_history" yaml:"queue_history"`
}

// A TraceManager accumulates every sample of one run.  By testing the
// InUse flag callers can leave recording calls in place while
// suppressing collection for runs whose output is discarded.
type TraceManager struct {
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of the experiment or request the trace belongs to
	ExpName string `json:"expname" yaml:"expname"`

	// per-flow series, keyed by flow id
	Traces map[string][]Sample `json:"traces" yaml:"traces"`

	// per-link debug records, keyed by link key
	Links map[string]LinkDebug `json:"links" yaml:"links"`

	// resolved path of every flow, keyed by flow id
	Paths map[string][]string `json:"paths" yaml:"paths"`
}

// CreateTraceManager is a constructor
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.Traces = make(map[string][]Sample)
	tm.Links = make(map[string]LinkDebug)
	tm.Paths = make(map[string][]string)
	return tm
}

// Active tells the caller whether the trace manager is collecting
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddSample appends one flow sample
func (tm *TraceManager) AddSample(flowID string, smpl Sample) {
	if !tm.InUse {
		return
	}
	tm.Traces[flowID] = append(tm.Traces[flowID], smpl)
}

// AddLinkDebug stores a link's parameters and queue history
func (tm *TraceManager) AddLinkDebug(linkKey string, dbg LinkDebug) {
	if tm.InUse {
		tm.Links[linkKey] = dbg
	}
}

// AddPath stores a flow's resolved path as a node-id sequence
func (tm *TraceManager) AddPath(flowID string, nodes []string) {
	if tm.InUse {
		tm.Paths[flowID] = append([]string{}, nodes...)
	}
}

// WriteToFile stores the collected trace to the named file.
// Serialization to json or to yaml is selected based on the extension.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.InUse {
		return nil
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tm)
	} else {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	defer f.Close()
	_, werr := f.Write(bytes)
	return werr
}

// csvHeader is the column order of the bulk-export format
var csvHeader = []string{"time", "cwnd", "throughput", "buffer", "inflight",
	"sent", "delivered", "dropped", "phase"}

// WriteCSV renders one flow's series as delimited text for offline
// analysis
func (tm *TraceManager) WriteCSV(w io.Writer, flowID string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, smpl := range tm.Traces[flowID] {
		row := []string{
			strconv.FormatFloat(smpl.Time, 'f', 3, 64),
			strconv.FormatFloat(smpl.Cwnd, 'f', 4, 64),
			strconv.FormatFloat(smpl.Throughput, 'f', 4, 64),
			strconv.Itoa(smpl.Buffer),
			strconv.Itoa(smpl.Inflight),
			strconv.FormatInt(smpl.Sent, 10),
			strconv.FormatInt(smpl.Delivered, 10),
			strconv.FormatInt(smpl.Dropped, 10),
			smpl.Phase,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

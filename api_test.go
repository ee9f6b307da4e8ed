package tcpsim

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateMultiRejects(t *testing.T) {
	base := seriesRequest("reno", 5.0)

	cases := []struct {
		label  string
		mangle func(*MultiFlowRequest)
	}{
		{"no senders", func(r *MultiFlowRequest) { r.Senders = nil }},
		{"no receivers", func(r *MultiFlowRequest) { r.Receivers = nil }},
		{"no flows", func(r *MultiFlowRequest) { r.Flows = nil }},
		{"empty sender id", func(r *MultiFlowRequest) { r.Senders[0].ID = "" }},
		{"duplicate attachment", func(r *MultiFlowRequest) {
			r.Senders = append(r.Senders, r.Senders[0])
		}},
		{"sender named like a router", func(r *MultiFlowRequest) {
			r.Senders[0].ID = "R1"
			r.Flows[0].Src = "R1"
		}},
		{"receiver reusing sender id", func(r *MultiFlowRequest) {
			r.Receivers[0].ID = "S1"
		}},
		{"duplicate flow id", func(r *MultiFlowRequest) {
			r.Flows = append(r.Flows, r.Flows[0])
		}},
		{"src equals dst", func(r *MultiFlowRequest) {
			r.Flows[0].Dst = r.Flows[0].Src
		}},
		{"unknown src", func(r *MultiFlowRequest) { r.Flows[0].Src = "S9" }},
		{"unknown dst", func(r *MultiFlowRequest) { r.Flows[0].Dst = "D9" }},
		{"unknown algorithm", func(r *MultiFlowRequest) { r.Flows[0].Algorithm = "vegas" }},
		{"non-positive cross rate", func(r *MultiFlowRequest) {
			r.CrossTraffic = []CrossTrafficDesc{{Link: "R1-R2", Rate: 0.0}}
		}},
	}

	for _, c := range cases {
		req := base
		req.Senders = append([]Attachment{}, base.Senders...)
		req.Receivers = append([]Attachment{}, base.Receivers...)
		req.Flows = append([]FlowDesc{}, base.Flows...)
		c.mangle(&req)

		err := validateMulti(req)
		if err == nil {
			t.Errorf("%s: accepted", c.label)
			continue
		}
		if _, ok := err.(*ValidationError); !ok {
			t.Errorf("%s: expected ValidationError, got %T", c.label, err)
		}
		if !ClientCaused(err) {
			t.Errorf("%s: not reported as client caused", c.label)
		}
	}

	if err := validateMulti(base); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestValidateMultiAllowsMultihoming(t *testing.T) {
	req := MultiFlowRequest{
		Topology:   TopoParallel,
		LinkParams: MultiLinkParams{Bandwidth: 5, Delay: 15, Buffer: 20, Duration: 5, MSS: 1500, Dt: 0.05},
		Senders: []Attachment{
			{ID: "N0", Attach: "R1"}, {ID: "N0", Attach: "R2"},
		},
		Receivers: []Attachment{
			{ID: "N1", Attach: "R1"}, {ID: "N1", Attach: "R2"},
		},
		Flows: []FlowDesc{{ID: "f1", Src: "N0", Dst: "N1", Algorithm: "reno"}},
	}
	if err := validateMulti(req); err != nil {
		t.Fatalf("multi-homed endpoints rejected: %v", err)
	}

	eng := CreateTickEngine()
	traces, _, err := eng.SimulateMulti(context.Background(), req)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	trace := traces["f1"]
	if trace[len(trace)-1].Delivered == 0 {
		t.Errorf("nothing delivered over the parallel template")
	}
}

func TestValidateSingleRejects(t *testing.T) {
	good := SingleFlowRequest{Algorithm: "reno", Bandwidth: 5, Delay: 15, Buffer: 20, Duration: 5, MSS: 1500}
	if err := validateSingle(good); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []SingleFlowRequest{
		{Algorithm: "vegas", Bandwidth: 5, Delay: 15, Buffer: 20, Duration: 5, MSS: 1500},
		{Algorithm: "reno", Bandwidth: 0, Delay: 15, Buffer: 20, Duration: 5, MSS: 1500},
		{Algorithm: "reno", Bandwidth: 5, Delay: -1, Buffer: 20, Duration: 5, MSS: 1500},
		{Algorithm: "reno", Bandwidth: 5, Delay: 15, Buffer: 0, Duration: 5, MSS: 1500},
		{Algorithm: "reno", Bandwidth: 5, Delay: 15, Buffer: 20, Duration: 0, MSS: 1500},
		{Algorithm: "reno", Bandwidth: 5, Delay: 15, Buffer: 20, Duration: 5, MSS: 0},
	}
	for idx, req := range cases {
		if err := validateSingle(req); err == nil {
			t.Errorf("case %d accepted", idx)
		}
	}
}

func TestRunMultiFailureShape(t *testing.T) {
	req := seriesRequest("reno", 5.0)
	req.Flows[0].Dst = req.Flows[0].Src

	resp := RunMulti(context.Background(), CreateTickEngine(), req)
	if resp.Success {
		t.Fatalf("invalid request reported success")
	}
	if len(resp.Error) == 0 {
		t.Errorf("failure carries no message")
	}
	if resp.Traces != nil || resp.Debug != nil {
		t.Errorf("failure carries partial results")
	}
}

func TestRunMultiUnknownOverrideKey(t *testing.T) {
	req := seriesRequest("reno", 5.0)
	bw := 1.0
	req.LinkOverrides = map[string]LinkOverride{"R5-R6": {Bandwidth: &bw}}

	resp := RunMulti(context.Background(), CreateTickEngine(), req)
	if resp.Success {
		t.Fatalf("unknown override key reported success")
	}
	if !strings.Contains(resp.Error, "R5-R6") {
		t.Errorf("message %q does not name the bad key", resp.Error)
	}
}

func TestRunSingleSuccessShape(t *testing.T) {
	resp := RunSingle(context.Background(), CreateTickEngine(), SingleFlowRequest{
		Algorithm: "reno", Bandwidth: 5, Delay: 15, Buffer: 20, Duration: 5, MSS: 1500,
	})
	if !resp.Success {
		t.Fatalf("run failed: %s", resp.Error)
	}
	if len(resp.Trace) == 0 {
		t.Errorf("success carries no trace")
	}
	if len(resp.Traceback) != 0 {
		t.Errorf("success carries a traceback")
	}
}

func TestExportCSV(t *testing.T) {
	var buf bytes.Buffer
	err := ExportCSV(context.Background(), CreateTickEngine(), SingleFlowRequest{
		Algorithm: "bbr", Bandwidth: 5, Delay: 15, Buffer: 20, Duration: 5, MSS: 1500,
	}, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) < 2 {
		t.Fatalf("%d rows, expected a header and samples", len(rows))
	}
	for idx, name := range csvHeader {
		if rows[0][idx] != name {
			t.Errorf("header column %d is %q, expected %q", idx, rows[0][idx], name)
		}
	}
	if len(rows[1]) != len(csvHeader) {
		t.Errorf("data row has %d fields, header %d", len(rows[1]), len(csvHeader))
	}
}

func TestReadScenario(t *testing.T) {
	req := seriesRequest("cubic", 8.0)

	yamlFile := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := WriteScenario(yamlFile, true, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadScenario(yamlFile, true, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Topology != req.Topology || len(got.Flows) != 1 || got.Flows[0].ID != "f1" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.LinkParams.Bandwidth != 5.0 || got.LinkParams.Dt != 0.05 {
		t.Errorf("link parameters lost: %+v", got.LinkParams)
	}

	jsonBlob := []byte(`{"topology":"series","linkParams":{"bandwidth":2,"delay":10,"buffer":10,"duration":5,"mss":1500,"dt":0.05},` +
		`"senders":[{"id":"S1","attach":"R1"}],"receivers":[{"id":"D1","attach":"R2"}],` +
		`"flows":[{"id":"f1","src":"S1","dst":"D1","algorithm":"bbr"}]}`)
	got, err = ReadScenario("", false, jsonBlob)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	if got.Flows[0].Algorithm != "bbr" || got.LinkParams.Bandwidth != 2 {
		t.Errorf("json decode mismatch: %+v", got)
	}
}

package tcpsim

import "testing"

var testDflt = LinkParams{Bandwidth: 5.0, Delay: 15.0, Buffer: 20}

func TestBuildTopologyTemplates(t *testing.T) {
	cases := []struct {
		template string
		attach   [2]string // sender attach, receiver attach
		links    int       // template links + the two edge links
	}{
		{TopoSingle, [2]string{"R", "R"}, 2},
		{TopoSeries, [2]string{"R1", "R2"}, 3},
		{TopoParallel, [2]string{"R1", "R2"}, 2},
		{TopoTriangle, [2]string{"R1", "R3"}, 5},
		{TopoBranched, [2]string{"R2", "R3"}, 4},
		{TopoMesh, [2]string{"R1", "R3"}, 6},
	}

	for _, c := range cases {
		topo, err := BuildTopology(c.template,
			[]Attachment{{ID: "S1", Attach: c.attach[0]}},
			[]Attachment{{ID: "D1", Attach: c.attach[1]}},
			testDflt, nil)
		if err != nil {
			t.Fatalf("template %s: %v", c.template, err)
		}
		if len(topo.Links()) != c.links {
			t.Errorf("template %s: got %d links, expected %d", c.template, len(topo.Links()), c.links)
		}
		if topo.Node("S1") == nil || topo.Node("D1") == nil {
			t.Errorf("template %s: endpoints missing from node table", c.template)
		}
	}
}

func TestBuildTopologyUnknownTemplate(t *testing.T) {
	_, err := BuildTopology("dumbbell",
		[]Attachment{{ID: "S1", Attach: "R"}},
		[]Attachment{{ID: "D1", Attach: "R"}}, testDflt, nil)
	if err == nil {
		t.Fatalf("expected error for unknown template")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("expected ValidationError, got %T", err)
	}
}

func TestBuildTopologyUnknownAttach(t *testing.T) {
	_, err := BuildTopology(TopoSeries,
		[]Attachment{{ID: "S1", Attach: "R9"}},
		[]Attachment{{ID: "D1", Attach: "R2"}}, testDflt, nil)
	if err == nil {
		t.Fatalf("expected error for unknown attach router")
	}
	if _, ok := err.(*TopologyError); !ok {
		t.Errorf("expected TopologyError, got %T", err)
	}
}

func TestBuildTopologyOverrides(t *testing.T) {
	bw := 1.0
	buf := 5
	topo, err := BuildTopology(TopoSeries,
		[]Attachment{{ID: "S1", Attach: "R1"}},
		[]Attachment{{ID: "D1", Attach: "R2"}},
		testDflt,
		map[string]LinkOverride{"R1-R2": {Bandwidth: &bw, Buffer: &buf}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	lnk, present := topo.LinkByKey("R1-R2")
	if !present {
		t.Fatalf("R1-R2 missing")
	}
	if lnk.Bandwidth != 1.0 || lnk.Buffer != 5 {
		t.Errorf("override not applied: bw %g buf %d", lnk.Bandwidth, lnk.Buffer)
	}
	if lnk.Delay != testDflt.Delay {
		t.Errorf("unspecified field changed: delay %g", lnk.Delay)
	}

	other, present := topo.LinkByKey("S1-R1")
	if !present {
		t.Fatalf("S1-R1 missing")
	}
	if other.Bandwidth != testDflt.Bandwidth {
		t.Errorf("default link took the override: bw %g", other.Bandwidth)
	}
}

func TestLinkByKeyEitherOrientation(t *testing.T) {
	topo, err := BuildTopology(TopoSeries,
		[]Attachment{{ID: "S1", Attach: "R1"}},
		[]Attachment{{ID: "D1", Attach: "R2"}}, testDflt, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	fwd, fok := topo.LinkByKey("R1-R2")
	rev, rok := topo.LinkByKey("R2-R1")
	if !fok || !rok {
		t.Fatalf("lookup failed: fwd %v rev %v", fok, rok)
	}
	if fwd != rev {
		t.Errorf("orientations resolved to different links")
	}
}

func TestDuplicateAttachmentsShareNode(t *testing.T) {
	topo, err := BuildTopology(TopoParallel,
		[]Attachment{{ID: "S1", Attach: "R1"}, {ID: "S1", Attach: "R2"}},
		[]Attachment{{ID: "D1", Attach: "R1"}, {ID: "D1", Attach: "R2"}},
		testDflt, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// two router edge sets but one node each for S1 and D1
	if len(topo.Links()) != 4 {
		t.Errorf("got %d links, expected 4", len(topo.Links()))
	}
}

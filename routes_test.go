package tcpsim

import "testing"

func buildResolver(t *testing.T, template string, senders, receivers []Attachment) *routeResolver {
	t.Helper()
	topo, err := BuildTopology(template, senders, receivers, testDflt, nil)
	if err != nil {
		t.Fatalf("build %s: %v", template, err)
	}
	return newRouteResolver(topo)
}

func TestFindRouteSingle(t *testing.T) {
	rr := buildResolver(t, TopoSingle,
		[]Attachment{{ID: "N0", Attach: "R"}},
		[]Attachment{{ID: "N1", Attach: "R"}})

	rt, err := rr.findRoute("N0", "N1")
	if err != nil {
		t.Fatalf("findRoute: %v", err)
	}
	if rt.String() != "N0,R,N1" {
		t.Errorf("unexpected path %s", rt)
	}
	if len(rt.links) != 2 {
		t.Errorf("got %d links, expected 2", len(rt.links))
	}
	// two hops of the default 15ms one-way delay
	if rt.delaySec != 0.030 {
		t.Errorf("path delay %g, expected 0.030", rt.delaySec)
	}
}

func TestFindRouteShortest(t *testing.T) {
	rr := buildResolver(t, TopoTriangle,
		[]Attachment{{ID: "S1", Attach: "R1"}},
		[]Attachment{{ID: "D1", Attach: "R2"}})

	rt, err := rr.findRoute("S1", "D1")
	if err != nil {
		t.Fatalf("findRoute: %v", err)
	}
	// direct R1-R2 edge beats the detour through R3
	if rt.String() != "S1,R1,R2,D1" {
		t.Errorf("unexpected path %s", rt)
	}
}

func TestFindRouteTieBreak(t *testing.T) {
	// in the ring R1-R2-R3-R4-R1 the two paths between opposite corners
	// have equal hop count; the lexicographically least router wins
	rr := buildResolver(t, TopoMesh,
		[]Attachment{{ID: "S1", Attach: "R1"}},
		[]Attachment{{ID: "D1", Attach: "R3"}})

	for trial := 0; trial < 5; trial++ {
		rt, err := rr.findRoute("S1", "D1")
		if err != nil {
			t.Fatalf("findRoute: %v", err)
		}
		if rt.String() != "S1,R1,R2,R3,D1" {
			t.Errorf("trial %d: unexpected path %s", trial, rt)
		}
	}
}

func TestFindRouteDeterministicAcrossResolvers(t *testing.T) {
	mk := func() string {
		rr := buildResolver(t, TopoMesh,
			[]Attachment{{ID: "S1", Attach: "R2"}},
			[]Attachment{{ID: "D1", Attach: "R4"}})
		rt, err := rr.findRoute("S1", "D1")
		if err != nil {
			t.Fatalf("findRoute: %v", err)
		}
		return rt.String()
	}

	first := mk()
	for trial := 0; trial < 10; trial++ {
		if got := mk(); got != first {
			t.Fatalf("trial %d: path %s differs from %s", trial, got, first)
		}
	}
}

func TestFindRouteNoPath(t *testing.T) {
	// parallel template with single-homed endpoints on opposite routers
	rr := buildResolver(t, TopoParallel,
		[]Attachment{{ID: "S1", Attach: "R1"}},
		[]Attachment{{ID: "D1", Attach: "R2"}})

	_, err := rr.findRoute("S1", "D1")
	if err == nil {
		t.Fatalf("expected no-path error")
	}
	if _, ok := err.(*TopologyError); !ok {
		t.Errorf("expected TopologyError, got %T", err)
	}
}

func TestFindRouteUnknownNode(t *testing.T) {
	rr := buildResolver(t, TopoSingle,
		[]Attachment{{ID: "N0", Attach: "R"}},
		[]Attachment{{ID: "N1", Attach: "R"}})

	_, err := rr.findRoute("N0", "N9")
	if err == nil {
		t.Fatalf("expected unknown-node error")
	}
	if _, ok := err.(*TopologyError); !ok {
		t.Errorf("expected TopologyError, got %T", err)
	}
}

func TestFindRouteCached(t *testing.T) {
	rr := buildResolver(t, TopoSeries,
		[]Attachment{{ID: "S1", Attach: "R1"}},
		[]Attachment{{ID: "D1", Attach: "R2"}})

	first, err := rr.findRoute("S1", "D1")
	if err != nil {
		t.Fatalf("findRoute: %v", err)
	}
	second, err := rr.findRoute("S1", "D1")
	if err != nil {
		t.Fatalf("findRoute repeat: %v", err)
	}
	if first != second {
		t.Errorf("repeat resolution not served from cache")
	}
}

func TestResolvedPathLinkKeys(t *testing.T) {
	topo, err := BuildTopology(TopoSeries,
		[]Attachment{{ID: "S1", Attach: "R1"}},
		[]Attachment{{ID: "D1", Attach: "R2"}}, testDflt, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rr := newRouteResolver(topo)
	rt, err := rr.findRoute("S1", "D1")
	if err != nil {
		t.Fatalf("findRoute: %v", err)
	}
	keys := rt.linkKeys(topo)
	expected := []string{"S1-R1", "R1-R2", "R2-D1"}
	if len(keys) != len(expected) {
		t.Fatalf("got %d keys, expected %d", len(keys), len(expected))
	}
	for idx := range expected {
		if keys[idx] != expected[idx] {
			t.Errorf("key %d: got %s, expected %s", idx, keys[idx], expected[idx])
		}
	}
}

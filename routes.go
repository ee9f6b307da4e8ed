package tcpsim

// routes.go provides functions to create and access routes through the
// resolved topology

// The approach is to convert the topology into the data structures used
// by the gonum graph package, with every edge weighted equally, so that a
// shortest path minimizes hop count in the way local routing like OSPF
// does.  Node ids are assigned in lexicographic order of node names and
// neighbors are explored in ascending id order, so when several shortest
// paths exist the breadth-first search always selects the same one:
// identical inputs resolve to identical paths across runs, and ties fall
// to the lexicographically least router id.

import (
	"fmt"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"sort"
	"strings"
)

// rtEndpts keys the cache of resolved paths
type rtEndpts struct {
	src, dst string
}

// A resolvedPath is the fixed route one flow uses for its whole life.
// Links are stored as indices into the topology's link arena rather than
// as pointers, so paths never hold back-references into the graph.
type resolvedPath struct {
	nodes    []string // node ids visited, source first
	links    []int    // ordered link indices traversed
	delaySec float64  // cumulative one-way propagation delay, seconds
}

// String renders the path as a comma-separated node sequence
func (rp *resolvedPath) String() string {
	return strings.Join(rp.nodes, ",")
}

// linkKeys lists the traversed links by their declared keys
func (rp *resolvedPath) linkKeys(topo *Topology) []string {
	keys := make([]string, 0, len(rp.links))
	for _, idx := range rp.links {
		keys = append(keys, topo.links[idx].Key)
	}
	return keys
}

// a routeResolver owns the graph representation of one topology and a
// cache of paths already computed over it
type routeResolver struct {
	topo *Topology

	connGraph *simple.UndirectedGraph
	idByName  map[string]int64
	nameByID  map[int64]string

	cache map[rtEndpts]*resolvedPath
}

// newRouteResolver converts the topology into the gonum representation.
// Graph node ids are handed out in lexicographic name order, which is
// what makes ascending-id neighbor visits a lexicographic tie-break.
func newRouteResolver(topo *Topology) *routeResolver {
	rr := &routeResolver{
		topo:      topo,
		connGraph: simple.NewUndirectedGraph(),
		idByName:  make(map[string]int64),
		nameByID:  make(map[int64]string),
		cache:     make(map[rtEndpts]*resolvedPath),
	}

	names := make([]string, 0, len(topo.nodeByID))
	for name := range topo.nodeByID {
		names = append(names, name)
	}
	sort.Strings(names)

	for idx, name := range names {
		gid := int64(idx)
		rr.idByName[name] = gid
		rr.nameByID[gid] = name
		rr.connGraph.AddNode(simple.Node(gid))
	}

	for _, lnk := range topo.links {
		edge := simple.Edge{
			F: simple.Node(rr.idByName[lnk.EndptA]),
			T: simple.Node(rr.idByName[lnk.EndptB]),
		}
		rr.connGraph.SetEdge(edge)
	}

	return rr
}

// sortedNeighbors lists the graph ids adjacent to gid in ascending order
func (rr *routeResolver) sortedNeighbors(gid int64) []int64 {
	nbrs := graph.NodesOf(rr.connGraph.From(gid))
	ids := make([]int64, 0, len(nbrs))
	for _, nbr := range nbrs {
		ids = append(ids, nbr.ID())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// findRoute resolves the simple path from src to dst by breadth-first
// search, returning a cached result when the pair has been resolved
// before.  A missing path is a TopologyError: the flow's receiver is not
// reachable from its sender under the chosen template.
func (rr *routeResolver) findRoute(src, dst string) (*resolvedPath, error) {
	endpoints := rtEndpts{src: src, dst: dst}
	if rt, found := rr.cache[endpoints]; found {
		return rt, nil
	}

	srcID, srcPresent := rr.idByName[src]
	dstID, dstPresent := rr.idByName[dst]
	if !srcPresent || !dstPresent {
		return nil, &TopologyError{Msg: fmt.Sprintf("route %s -> %s references a node not in the topology", src, dst)}
	}

	// breadth-first search recording each node's predecessor.  The
	// frontier is consumed first-in first-out and neighbors enter it in
	// ascending id order, so the predecessor tree is deterministic.
	thru := map[int64]int64{srcID: srcID}
	frontier := []int64{srcID}
	found := srcID == dstID
	for len(frontier) > 0 && !found {
		here := frontier[0]
		frontier = frontier[1:]
		for _, nbr := range rr.sortedNeighbors(here) {
			if _, visited := thru[nbr]; visited {
				continue
			}
			thru[nbr] = here
			if nbr == dstID {
				found = true
				break
			}
			frontier = append(frontier, nbr)
		}
	}

	if !found {
		return nil, &TopologyError{Msg: fmt.Sprintf("no path from %s to %s", src, dst)}
	}

	// walk the predecessor chain back from dst, then reverse
	revIDs := []int64{dstID}
	for here := dstID; here != srcID; {
		here = thru[here]
		revIDs = append(revIDs, here)
	}

	rt := &resolvedPath{}
	for idx := len(revIDs) - 1; idx >= 0; idx-- {
		rt.nodes = append(rt.nodes, rr.nameByID[revIDs[idx]])
	}
	for idx := 1; idx < len(rt.nodes); idx++ {
		lnk, present := rr.topo.LinkByKey(linkKey(rt.nodes[idx-1], rt.nodes[idx]))
		if !present {
			panic(fmt.Sprintf("path step %s -> %s has no link in the arena", rt.nodes[idx-1], rt.nodes[idx]))
		}
		rt.links = append(rt.links, lnk.Number)
		rt.delaySec += lnk.delaySec()
	}

	rr.cache[endpoints] = rt
	return rt, nil
}

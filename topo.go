package tcpsim

// topo.go builds the node/edge representation of a simulated network
// from a topology template plus declared sender/receiver attachments

import (
	"fmt"
	"golang.org/x/exp/slices"
	"sort"
	"strings"
)

// nodeRole classifies a node in the topology
type nodeRole int

const (
	roleRouter nodeRole = iota
	roleSender
	roleReceiver
)

func (nr nodeRole) String() string {
	switch nr {
	case roleRouter:
		return "router"
	case roleSender:
		return "sender"
	case roleReceiver:
		return "receiver"
	}
	return "unknown"
}

// topology template names, the fixed enumerated set of router cores
const (
	TopoSingle   = "single"   // one router
	TopoSeries   = "series"   // two routers in series
	TopoParallel = "parallel" // two routers, no inter-router edge
	TopoTriangle = "triangle" // three routers, fully connected
	TopoBranched = "branched" // one hub, two spokes
	TopoMesh     = "mesh"     // four routers in a ring
)

// templateRouters gives each template's router set,
// templateEdges the router-to-router edges it implies
var templateRouters = map[string][]string{
	TopoSingle:   {"R"},
	TopoSeries:   {"R1", "R2"},
	TopoParallel: {"R1", "R2"},
	TopoTriangle: {"R1", "R2", "R3"},
	TopoBranched: {"R1", "R2", "R3"},
	TopoMesh:     {"R1", "R2", "R3", "R4"},
}

var templateEdges = map[string][][2]string{
	TopoSingle:   {},
	TopoSeries:   {{"R1", "R2"}},
	TopoParallel: {},
	TopoTriangle: {{"R1", "R2"}, {"R2", "R3"}, {"R3", "R1"}},
	TopoBranched: {{"R1", "R2"}, {"R1", "R3"}},
	TopoMesh:     {{"R1", "R2"}, {"R2", "R3"}, {"R3", "R4"}, {"R4", "R1"}},
}

// TemplateNames returns the supported template identifiers in sorted order
func TemplateNames() []string {
	names := make([]string, 0, len(templateRouters))
	for name := range templateRouters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// A LinkParams record holds the characteristics of one logical link.
// Values are merged at setup time from global defaults and optional
// per-link overrides, and are immutable thereafter.
type LinkParams struct {
	Bandwidth float64 `json:"bandwidth" yaml:"bandwidth"` // Mbps
	Delay     float64 `json:"delay" yaml:"delay"`         // ms, one way
	Buffer    int     `json:"buffer" yaml:"buffer"`       // packets
}

// A LinkOverride carries optional replacements for individual link
// attributes, keyed in the request by "<nodeA>-<nodeB>"
type LinkOverride struct {
	Bandwidth *float64 `json:"bandwidth,omitempty" yaml:"bandwidth,omitempty"`
	Delay     *float64 `json:"delay,omitempty" yaml:"delay,omitempty"`
	Buffer    *int     `json:"buffer,omitempty" yaml:"buffer,omitempty"`
}

// An Attachment declares a sender or receiver node and the template
// router it connects to
type Attachment struct {
	ID     string `json:"id" yaml:"id"`
	Attach string `json:"attach" yaml:"attach"`
}

// A Node is one vertex of the resolved topology
type Node struct {
	ID   string
	Role nodeRole
}

// A Link is one undirected edge of the resolved topology.  Its identity
// is its endpoint pair; the Key preserves the orientation the link was
// declared with, which is also the form override keys use.
type Link struct {
	Number int    // index into the topology's link arena
	Key    string // "<endptA>-<endptB>"
	EndptA string
	EndptB string

	Bandwidth float64 // Mbps
	Delay     float64 // ms, one way
	Buffer    int     // packets
}

// bytesPerSec converts the link capacity to bytes per second
func (lnk *Link) bytesPerSec() float64 {
	return lnk.Bandwidth * 1e6 / 8.0
}

// delaySec converts the one-way propagation delay to seconds
func (lnk *Link) delaySec() float64 {
	return lnk.Delay / 1e3
}

// linkKey builds the canonical "<a>-<b>" key in the declared orientation
func linkKey(a, b string) string {
	return a + "-" + b
}

// A Topology holds the resolved node and link structures for one
// simulation instance.  Built once at setup and never mutated afterward.
type Topology struct {
	Template string

	nodeByID map[string]*Node
	routers  []string // router ids, sorted

	// link arena; routes store indices into this slice
	links     []*Link
	linkByKey map[string]int
}

// Links exposes the link arena for sampling and reporting
func (topo *Topology) Links() []*Link {
	return topo.links
}

// Node returns the named node, nil if absent
func (topo *Topology) Node(id string) *Node {
	return topo.nodeByID[id]
}

// LinkByKey finds a link by its "<a>-<b>" key, accepting either
// orientation.  The second return reports whether the link exists.
func (topo *Topology) LinkByKey(key string) (*Link, bool) {
	if idx, present := topo.linkByKey[key]; present {
		return topo.links[idx], true
	}
	parts := strings.SplitN(key, "-", 2)
	if len(parts) == 2 {
		if idx, present := topo.linkByKey[linkKey(parts[1], parts[0])]; present {
			return topo.links[idx], true
		}
	}
	return nil, false
}

// addNode records a node, panicking on id reuse within a build.
// Reuse is screened out by validation before the build begins.
func (topo *Topology) addNode(id string, role nodeRole) {
	if _, present := topo.nodeByID[id]; present {
		panic(fmt.Sprintf("node id %s over-used in topology build", id))
	}
	topo.nodeByID[id] = &Node{ID: id, Role: role}
}

// addLink merges the default link parameters with any override declared
// for this endpoint pair and appends the result to the link arena.
// A repeated declaration of the same pair is ignored, so parallel
// attachment declarations deduplicate to a single link.
func (topo *Topology) addLink(a, b string, dflt LinkParams, overrides map[string]LinkOverride) {
	if _, present := topo.linkByKey[linkKey(a, b)]; present {
		return
	}
	if _, present := topo.linkByKey[linkKey(b, a)]; present {
		return
	}

	lnk := &Link{
		Number:    len(topo.links),
		Key:       linkKey(a, b),
		EndptA:    a,
		EndptB:    b,
		Bandwidth: dflt.Bandwidth,
		Delay:     dflt.Delay,
		Buffer:    dflt.Buffer,
	}

	// the override may be declared in either orientation
	ovr, present := overrides[linkKey(a, b)]
	if !present {
		ovr, present = overrides[linkKey(b, a)]
	}
	if present {
		if ovr.Bandwidth != nil {
			lnk.Bandwidth = *ovr.Bandwidth
		}
		if ovr.Delay != nil {
			lnk.Delay = *ovr.Delay
		}
		if ovr.Buffer != nil {
			lnk.Buffer = *ovr.Buffer
		}
	}

	topo.links = append(topo.links, lnk)
	topo.linkByKey[lnk.Key] = lnk.Number
}

// BuildTopology creates the node/edge structures implied by the named
// template and the declared attachments.  Sender and receiver edges are
// added one per declaration, deduplicated; each link's parameters come
// from the defaults merged with any per-link override.  An attachment
// naming a router the template does not define yields a TopologyError.
func BuildTopology(template string, senders, receivers []Attachment,
	dflt LinkParams, overrides map[string]LinkOverride) (*Topology, error) {

	tmpl := strings.ToLower(strings.TrimSpace(template))
	routers, present := templateRouters[tmpl]
	if !present {
		return nil, &ValidationError{Field: "topology",
			Msg: fmt.Sprintf("unknown template %q, supported: %s", template, strings.Join(TemplateNames(), ", "))}
	}

	topo := &Topology{
		Template:  tmpl,
		nodeByID:  make(map[string]*Node),
		links:     make([]*Link, 0),
		linkByKey: make(map[string]int),
	}

	topo.routers = make([]string, len(routers))
	copy(topo.routers, routers)
	sort.Strings(topo.routers)

	for _, rtr := range routers {
		topo.addNode(rtr, roleRouter)
	}
	for _, edge := range templateEdges[tmpl] {
		topo.addLink(edge[0], edge[1], dflt, overrides)
	}

	// one edge per sender declaration, sender end first in the key
	for _, snd := range senders {
		if !slices.Contains(routers, snd.Attach) {
			return nil, &TopologyError{
				Msg: fmt.Sprintf("sender %s attaches to unknown router %s", snd.ID, snd.Attach)}
		}
		if topo.Node(snd.ID) == nil {
			topo.addNode(snd.ID, roleSender)
		}
		topo.addLink(snd.ID, snd.Attach, dflt, overrides)
	}

	// one edge per receiver declaration, router end first in the key
	for _, rcv := range receivers {
		if !slices.Contains(routers, rcv.Attach) {
			return nil, &TopologyError{
				Msg: fmt.Sprintf("receiver %s attaches to unknown router %s", rcv.ID, rcv.Attach)}
		}
		if topo.Node(rcv.ID) == nil {
			topo.addNode(rcv.ID, roleReceiver)
		}
		topo.addLink(rcv.Attach, rcv.ID, dflt, overrides)
	}

	return topo, nil
}

// Package topology is the mesh's view of its own shape: the set of known
// nodes and the directed weighted edges between them, plus the past-request
// cache used for broadcast loop suppression. It is the Go translation of
// the original core's node.c/edge.c/splay_tree-backed indices, rebuilt on
// top of ordermap (C1) instead of a splay tree.
package topology

import (
	"github.com/elear-solutions/meshlink-tiny/keys"
	"github.com/elear-solutions/meshlink-tiny/ordermap"
)

// DeviceClass classifies a node's role in the mesh, matching spec.md §3's
// BACKBONE/STATIONARY pair plus the PORTABLE/UNKNOWN classes
// original_source/test/get-all-nodes.c exercises via
// meshlink_get_all_nodes_by_dev_class.
type DeviceClass int

const (
	DeviceBackbone DeviceClass = iota
	DeviceStationary
	DevicePortable
	DeviceUnknown
)

// Node is one known mesh participant.
type Node struct {
	Name        string
	DeviceClass DeviceClass
	PublicKey   *keys.SignatureKey
}

// EdgeKey identifies a directed edge by its endpoint pair, the ordering key
// used by the edges ordermap.
type EdgeKey struct {
	From, To string
}

func edgeLess(a, b EdgeKey) bool {
	if a.From != b.From {
		return a.From < b.From
	}
	return a.To < b.To
}

// Edge is one directed, weighted link in the topology graph.
type Edge struct {
	From, To  string
	Address   string
	Port      uint16
	Options   uint32
	Weight    uint32
	SessionID uint64

	// Reverse points at the opposite-direction edge when both are known, so
	// the pair stays cross-linked per spec.md §4.7.
	Reverse *Edge

	// conn is the live connection carrying this edge, if any; cleared via
	// ClearConnection to satisfy conn.EdgeBackRef without topology
	// importing the conn package (conn declares that interface itself and
	// does not import topology either).
	conn interface{}
}

// ClearConnection implements conn.EdgeBackRef: it drops this edge's
// back-reference to its owning connection on teardown.
func (e *Edge) ClearConnection() {
	e.conn = nil
}

// SetConnection records the connection now carrying this edge.
func (e *Edge) SetConnection(c interface{}) {
	e.conn = c
}

// Connection returns the edge's current connection back-reference, or nil.
func (e *Edge) Connection() interface{} {
	return e.conn
}

func stringLess(a, b string) bool { return a < b }

// Store holds the mesh's full topology view: nodes by name, edges by
// (from, to), and the past-request loop-suppression cache.
type Store struct {
	nodes        *ordermap.Map[string, *Node]
	edges        *ordermap.Map[EdgeKey, *Edge]
	pastRequests *ordermap.Map[string, int64] // request bytes -> first-seen unix seconds
}

// New creates an empty topology store.
func New() *Store {
	return &Store{
		nodes:        ordermap.New[string, *Node](stringLess),
		edges:        ordermap.New[EdgeKey, *Edge](edgeLess),
		pastRequests: ordermap.New[string, int64](stringLess),
	}
}

// AddNode inserts or replaces a node by name.
func (s *Store) AddNode(n *Node) {
	s.nodes.Insert(n.Name, n)
}

// LookupNode returns the node named name, if known.
func (s *Store) LookupNode(name string) (*Node, bool) {
	return s.nodes.Get(name)
}

// DelNode removes the node named name.
func (s *Store) DelNode(name string) {
	s.nodes.Delete(name)
}

// Nodes visits every known node in name order.
func (s *Store) Nodes(visit func(*Node) bool) {
	s.nodes.Ascend(func(_ string, n *Node) bool { return visit(n) })
}

// NodesByDeviceClass visits every known node whose DeviceClass matches
// class, in name order. This is the supplemented query grounded on
// original_source/test/get-all-nodes.c's dev-class filtering.
func (s *Store) NodesByDeviceClass(class DeviceClass, visit func(*Node) bool) {
	s.nodes.Ascend(func(_ string, n *Node) bool {
		if n.DeviceClass != class {
			return true
		}
		return visit(n)
	})
}

// AddEdge inserts or replaces the edge from->to, applying spec.md §4.7 and
// §4.6's session-id tie-break: if the stored edge has a strictly greater
// session id, the incoming announcement is ignored; if equal, ignored if
// already present; if strictly smaller, the stored edge is replaced. It
// reports whether the store was actually changed, and cross-links the
// reverse edge when present, matching "On add_edge, if the reverse edge
// exists, the two are cross-linked."
func (s *Store) AddEdge(e *Edge) bool {
	key := EdgeKey{From: e.From, To: e.To}
	if existing, ok := s.edges.Get(key); ok {
		if existing.SessionID > e.SessionID {
			return false
		}
		if existing.SessionID == e.SessionID {
			return false
		}
		// existing.SessionID < e.SessionID: replace.
	}

	s.edges.Insert(key, e)
	s.crossLink(e)
	return true
}

func (s *Store) crossLink(e *Edge) {
	reverseKey := EdgeKey{From: e.To, To: e.From}
	if rev, ok := s.edges.Get(reverseKey); ok {
		e.Reverse = rev
		rev.Reverse = e
	}
}

// DelEdge removes the edge from->to, clearing the reverse link first per
// spec.md §4.7's "On del_edge, the reverse link is cleared before the edge
// is destroyed."
func (s *Store) DelEdge(from, to string) {
	key := EdgeKey{From: from, To: to}
	e, ok := s.edges.Get(key)
	if !ok {
		return
	}
	if e.Reverse != nil {
		e.Reverse.Reverse = nil
		e.Reverse = nil
	}
	s.edges.Delete(key)
}

// LookupEdge returns the edge from->to, if known.
func (s *Store) LookupEdge(from, to string) (*Edge, bool) {
	return s.edges.Get(EdgeKey{From: from, To: to})
}

// Edges visits every known edge in (from, to) order.
func (s *Store) Edges(visit func(*Edge) bool) {
	s.edges.Ascend(func(_ EdgeKey, e *Edge) bool { return visit(e) })
}

package request

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elear-solutions/meshlink-tiny/conn"
	"github.com/elear-solutions/meshlink-tiny/internal/metrics"
	"github.com/elear-solutions/meshlink-tiny/topology"
)

// MeshHandle is the slice of mesh-wide state a request handler needs:
// enough to look up and mutate topology, iterate live connections for
// broadcast, and know which submesh a peer belongs to. meshlink.Mesh
// implements this; keeping it as an interface here (rather than importing
// the concrete type) avoids a request<->meshlink import cycle, since
// meshlink's event loop is what holds the dispatch table.
type MeshHandle interface {
	Topology() *topology.Store
	// Connections visits every live connection; visit returning false stops
	// the iteration early.
	Connections(visit func(*conn.Connection) bool)
	// SubmeshOf returns the submesh name a peer belongs to, or "" if none.
	SubmeshOf(peerName string) string
	LocalName() string
	Now() time.Time

	// RespondToKeyRequest answers an incoming REQ_KEY carrying the peer's
	// hex-encoded ephemeral public key, returning this node's own
	// hex-encoded ephemeral public key to send back as ANS_KEY.
	RespondToKeyRequest(peerName, peerEphemeralHex string) (string, error)
	// CompleteKeyExchange finishes an ECDH agreement this node initiated,
	// given the peer's hex-encoded ephemeral public key from ANS_KEY.
	CompleteKeyExchange(peerName, peerEphemeralHex string) error
}

// Handler processes one parsed request line on behalf of connection c.
// args is everything after the leading request number and its following
// whitespace. Returning an error causes the connection to transition to
// Dead, per spec.md §4.6's "Any handler returning failure causes the
// connection to transition to DEAD."
type Handler func(m MeshHandle, c *conn.Connection, args string) error

// Dispatch is the closed table of per-request handlers, indexed by Number.
// A nil entry means "recognized but not yet wired" and is treated as a
// protocol violation if ever invoked.
var Dispatch [numRequests]Handler

func init() {
	Dispatch[ID] = handleID
	Dispatch[ACK] = handleACK
	Dispatch[STATUS] = handleStatus
	Dispatch[ERROR] = handleError
	Dispatch[TERMREQ] = handleTermReq
	Dispatch[PING] = handlePing
	Dispatch[PONG] = handlePong
	Dispatch[ADD_EDGE] = handleAddEdge
	Dispatch[DEL_EDGE] = handleDelEdge
	Dispatch[KEY_CHANGED] = handleKeyChanged
	Dispatch[REQ_KEY] = handleReqKey
	Dispatch[ANS_KEY] = handleAnsKey
}

// errorRequestNumber is always honored regardless of a connection's
// allow_request mask, spec.md §4.6's receive-contract exception.
const errorRequestNumber = int(ERROR)

// Receive implements spec.md §4.6's full receive contract for one complete
// line (without its trailing newline): parse the leading number, reject if
// out of range/unimplemented, reject if outside the connection's current
// allow_request mask (except ERROR), then invoke the handler. A handler
// failure kills c before the error is returned.
func Receive(m MeshHandle, c *conn.Connection, line string) error {
	numStr, rest, _ := strings.Cut(line, " ")
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return fmt.Errorf("request: malformed leading number %q: %w", numStr, err)
	}
	number := Number(n)
	if !Valid(number) {
		return fmt.Errorf("request: unknown request number %d", n)
	}
	if !c.AllowRequest(int(number)) {
		return fmt.Errorf("request: %s not permitted in state %s", Name(number), c.State())
	}

	handler := Dispatch[number]
	if handler == nil {
		return fmt.Errorf("request: %s has no handler wired", Name(number))
	}
	err = handler(m, c, rest)
	metrics.RecordRequest(Name(number), err)
	if err != nil {
		c.Kill()
		return fmt.Errorf("request: %s handler failed: %w", Name(number), err)
	}

	if Broadcastable(number) {
		Forward(m, c, line)
	}
	return nil
}

// Send renders format/args via Render and writes the line to c's outbound
// buffer (drained by the event loop's writer). It never blocks.
func Send(c *conn.Connection, format string, args ...any) error {
	line, err := Render(append([]any{format}, args...)...)
	if err != nil {
		return err
	}
	c.OutBuf.WriteString(line)
	return nil
}

// Broadcast writes line (already rendered, no trailing processing needed)
// to every OPEN connection's outbound buffer except except, which may be
// nil to broadcast to all.
func Broadcast(m MeshHandle, except *conn.Connection, line string) {
	m.Connections(func(c *conn.Connection) bool {
		if c == except || c.State() != conn.Open {
			return true
		}
		c.OutBuf.WriteString(line)
		return true
	})
}

// SendToSubmesh is Broadcast restricted to peers in the given submesh.
func SendToSubmesh(m MeshHandle, submesh string, except *conn.Connection, line string) {
	m.Connections(func(c *conn.Connection) bool {
		if c == except || c.State() != conn.Open {
			return true
		}
		if m.SubmeshOf(c.PeerName) != submesh {
			return true
		}
		c.OutBuf.WriteString(line)
		return true
	})
}

// Forward implements spec.md §4.6's forwarding and loop-suppression rule:
// a broadcastable request is re-emitted to every OPEN connection except the
// one it arrived on, but only if the exact request bytes have not been seen
// in the topology store's past-request cache within the last 60 seconds.
func Forward(m MeshHandle, arrivedOn *conn.Connection, line string) {
	if m.Topology().Seen(line, m.Now()) {
		return
	}
	Broadcast(m, arrivedOn, line)
}

func fields(args string) []string {
	return strings.Fields(args)
}

func handleID(m MeshHandle, c *conn.Connection, args string) error {
	f := fields(args)
	if len(f) < 2 {
		return fmt.Errorf("ID: expected name and version, got %q", args)
	}
	name := f[0]
	if !CheckID(name) {
		return fmt.Errorf("ID: invalid peer name %q", name)
	}
	c.PeerName = name
	return nil
}

// handleACK completes the connection-level handshake: the first
// APPLICATION-layer record a WAIT_ACK connection accepts is its peer's ACK,
// and receiving it is precisely what drives WAIT_ACK -> OPEN (spec.md §4.5).
func handleACK(m MeshHandle, c *conn.Connection, args string) error {
	return c.Advance(conn.Open)
}

func handleStatus(m MeshHandle, c *conn.Connection, args string) error {
	return nil
}

func handleError(m MeshHandle, c *conn.Connection, args string) error {
	return fmt.Errorf("peer reported error: %s", args)
}

func handleTermReq(m MeshHandle, c *conn.Connection, args string) error {
	c.Kill()
	return nil
}

func handlePing(m MeshHandle, c *conn.Connection, args string) error {
	return Send(c, "%d", int(PONG))
}

func handlePong(m MeshHandle, c *conn.Connection, args string) error {
	return nil
}

// parseAddEdge parses "from to address port options weight session_id",
// spec.md §6's ADD_EDGE wire format.
func parseAddEdge(args string) (*topology.Edge, error) {
	f := fields(args)
	if len(f) != 7 {
		return nil, fmt.Errorf("ADD_EDGE: expected 7 fields, got %d", len(f))
	}
	from, to, address := f[0], f[1], f[2]
	if !CheckID(from) || !CheckID(to) {
		return nil, fmt.Errorf("ADD_EDGE: invalid node name in %q", args)
	}
	port, err := strconv.ParseUint(f[3], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("ADD_EDGE: bad port: %w", err)
	}
	options, err := strconv.ParseUint(f[4], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("ADD_EDGE: bad options: %w", err)
	}
	weight, err := strconv.ParseUint(f[5], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("ADD_EDGE: bad weight: %w", err)
	}
	sessionID, err := strconv.ParseUint(f[6], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ADD_EDGE: bad session_id: %w", err)
	}
	return &topology.Edge{
		From:      from,
		To:        to,
		Address:   address,
		Port:      uint16(port),
		Options:   uint32(options),
		Weight:    uint32(weight),
		SessionID: sessionID,
	}, nil
}

func handleAddEdge(m MeshHandle, c *conn.Connection, args string) error {
	e, err := parseAddEdge(args)
	if err != nil {
		return err
	}
	m.Topology().AddEdge(e)
	return nil
}

// parseDelEdge parses "from to session_id", spec.md §6's DEL_EDGE wire
// format.
func parseDelEdge(args string) (from, to string, sessionID uint64, err error) {
	f := fields(args)
	if len(f) != 3 {
		return "", "", 0, fmt.Errorf("DEL_EDGE: expected 3 fields, got %d", len(f))
	}
	from, to = f[0], f[1]
	if !CheckID(from) || !CheckID(to) {
		return "", "", 0, fmt.Errorf("DEL_EDGE: invalid node name in %q", args)
	}
	sessionID, err = strconv.ParseUint(f[2], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("DEL_EDGE: bad session_id: %w", err)
	}
	return from, to, sessionID, nil
}

func handleDelEdge(m MeshHandle, c *conn.Connection, args string) error {
	from, to, sessionID, err := parseDelEdge(args)
	if err != nil {
		return err
	}
	if existing, ok := m.Topology().LookupEdge(from, to); ok {
		if existing.SessionID > sessionID {
			return nil // stale announcement, ignored
		}
	}
	m.Topology().DelEdge(from, to)
	return nil
}

func handleKeyChanged(m MeshHandle, c *conn.Connection, args string) error {
	return nil
}

func handleReqKey(m MeshHandle, c *conn.Connection, args string) error {
	f := fields(args)
	if len(f) != 1 {
		return fmt.Errorf("REQ_KEY: expected 1 field, got %d", len(f))
	}
	responderHex, err := m.RespondToKeyRequest(c.PeerName, f[0])
	if err != nil {
		return fmt.Errorf("REQ_KEY: %w", err)
	}
	return Send(c, "%d %s", int(ANS_KEY), responderHex)
}

func handleAnsKey(m MeshHandle, c *conn.Connection, args string) error {
	f := fields(args)
	if len(f) != 1 {
		return fmt.Errorf("ANS_KEY: expected 1 field, got %d", len(f))
	}
	return m.CompleteKeyExchange(c.PeerName, f[0])
}

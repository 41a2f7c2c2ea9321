// Package conn implements the per-peer connection state machine: PreID,
// WaitID, WaitAck, Open, Dead, and the allow_request bitmask that gates
// which request numbers are honored in each state. This is the Go
// translation of the original core's connection.c/connection.h, with the
// session transport modeled after the teacher's session.SecureSession
// lifecycle (owned buffers, explicit Close tearing down key material).
package conn

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/elear-solutions/meshlink-tiny/internal/metrics"
	"github.com/elear-solutions/meshlink-tiny/sptps"
)

// State is one point on the PreID -> WaitID -> WaitAck -> Open -> Dead
// state machine of spec.md §4.5.
type State int

const (
	PreID State = iota
	WaitID
	WaitAck
	Open
	Dead
)

func (s State) String() string {
	switch s {
	case PreID:
		return "PRE_ID"
	case WaitID:
		return "WAIT_ID"
	case WaitAck:
		return "WAIT_ACK"
	case Open:
		return "OPEN"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// RequestMask is a bitmask of which request numbers a connection in a given
// state will honor. ERROR is always allowed regardless of mask, per
// spec.md §4.6's receive-contract exception.
type RequestMask uint32

const (
	// MaskID allows only the ID request (number 0).
	MaskID RequestMask = 1 << 0
	// MaskAck allows only the ACK request (number 1).
	MaskAck RequestMask = 1 << 1
	// MaskAll allows every request number once a connection is OPEN.
	MaskAll RequestMask = ^RequestMask(0)
)

// allowRequestFor returns the mask a freshly-entered state grants, matching
// spec.md §4.5's per-state allow_request values.
func allowRequestFor(s State) RequestMask {
	switch s {
	case PreID, WaitID:
		return MaskID
	case WaitAck:
		return MaskAck
	case Open:
		return MaskAll
	default:
		return 0
	}
}

// Allows reports whether requestNum is permitted in the connection's
// current state. bit is the caller's 1<<requestNum test; requestNum 3 is
// ERROR, always allowed.
func (m RequestMask) Allows(requestNum int) bool {
	const errorRequestNum = 3
	if requestNum == errorRequestNum {
		return true
	}
	if requestNum < 0 || requestNum >= 32 {
		return false
	}
	return m&(1<<uint(requestNum)) != 0
}

// EdgeBackRef is the minimal surface conn needs from a topology edge to
// clear its connection back-reference on teardown. conn declares the
// interface and topology.Edge satisfies it, so neither package imports the
// other.
type EdgeBackRef interface {
	ClearConnection()
}

// Connection is one peer connection: its transport session, buffered I/O,
// and the request-gating state machine. During the handshake the owning
// connection's socket goroutine drives it; once it is Open, mutation
// happens from the single event-loop goroutine. Connection itself holds no
// internal lock beyond the one guarding its state and allow mask.
type Connection struct {
	mu sync.Mutex

	PeerName string
	state    State
	allow    RequestMask

	Session *sptps.Session

	InBuf  bytes.Buffer
	OutBuf bytes.Buffer

	// EventLoopHandle is an opaque identifier the owning event loop uses to
	// find and remove this connection's I/O registration on teardown. It is
	// opaque here; conn does not depend on the eventloop package.
	EventLoopHandle any

	// Edge is the topology edge whose back-reference must be cleared when
	// this connection dies, or nil if none is associated yet.
	Edge EdgeBackRef

	closeSocket func() error
}

// New creates a connection in PreID with no session yet established.
func New(peerName string, closeSocket func() error) *Connection {
	return &Connection{
		PeerName:    peerName,
		state:       PreID,
		allow:       allowRequestFor(PreID),
		closeSocket: closeSocket,
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AllowRequest reports whether requestNum may be processed right now.
func (c *Connection) AllowRequest(requestNum int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allow.Allows(requestNum)
}

// transitions enumerates the only state changes spec.md §4.5's diagram
// permits; Go's zero-value validity makes an explicit table worth having so
// a coding mistake trips ErrInvalidTransition instead of silently granting
// the wrong allow_request mask.
var transitions = map[State]map[State]bool{
	PreID:   {WaitID: true, Dead: true},
	WaitID:  {WaitAck: true, Dead: true},
	WaitAck: {Open: true, Dead: true},
	Open:    {Dead: true},
	Dead:    {},
}

// ErrInvalidTransition is returned by Advance for any transition not on
// spec.md §4.5's diagram.
var ErrInvalidTransition = fmt.Errorf("conn: invalid state transition")

// Advance moves the connection to next, updating allow_request, or returns
// ErrInvalidTransition if next is not reachable from the current state.
func (c *Connection) Advance(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !transitions[c.state][next] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, next)
	}
	c.state = next
	c.allow = allowRequestFor(next)
	metrics.RecordConnectionTransition(strings.ToLower(next.String()))

	if next == Dead {
		c.teardownLocked()
	}
	return nil
}

// teardownLocked performs the five-action teardown sequence spec.md §4.5
// mandates on any OPEN-to-DEAD transition, generalized here to run on any
// transition into DEAD so a connection that dies before reaching OPEN still
// releases its resources: session destroyed, key-exchange context destroyed
// (the session IS the key-exchange context in this design, so one step
// covers both), buffers cleared, event-loop handle removed, socket closed,
// plus the edge back-reference clear the design notes add.
func (c *Connection) teardownLocked() {
	if c.Session != nil {
		c.Session.MarkDead()
		c.Session = nil
	}
	c.InBuf.Reset()
	c.OutBuf.Reset()
	c.EventLoopHandle = nil

	if c.closeSocket != nil {
		_ = c.closeSocket()
	}

	if c.Edge != nil {
		c.Edge.ClearConnection()
		c.Edge = nil
	}
}

// Kill transitions the connection straight to Dead from whatever state it
// is currently in, used by protocol/session failure handling where the
// exact prior state doesn't matter.
func (c *Connection) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Dead {
		return
	}
	c.state = Dead
	c.allow = 0
	metrics.RecordConnectionTransition("dead")
	c.teardownLocked()
}

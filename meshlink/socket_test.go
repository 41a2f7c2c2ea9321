package meshlink

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elear-solutions/meshlink-tiny/conn"
	"github.com/elear-solutions/meshlink-tiny/keys"
	"github.com/elear-solutions/meshlink-tiny/request"
	"github.com/elear-solutions/meshlink-tiny/sptps"
	"github.com/elear-solutions/meshlink-tiny/topology"
)

// peerHarness drives the non-Mesh side of Accept's handshake by hand, the
// same four-message sequence sptps_test.go's establish() helper performs,
// so these tests exercise Accept's real handshake-driving code from the
// outside without needing a second Mesh. It always plays the SPTPS
// initiator, complementing a Mesh accepting it as the responder.
type peerHarness struct {
	t    *testing.T
	nc   net.Conn
	r    *bufio.Reader
	sig  *keys.SignatureKey
	name string
}

func newPeerHarness(t *testing.T, nc net.Conn, name string) *peerHarness {
	t.Helper()
	sig, err := keys.Generate()
	require.NoError(t, err)
	return &peerHarness{t: t, nc: nc, r: bufio.NewReader(nc), sig: sig, name: name}
}

// exchangeID sends this harness's cleartext ID line and returns the mesh's
// own name parsed from its reply, mirroring handshakeConnection's ID phase.
func (p *peerHarness) exchangeID() string {
	t := p.t
	go func() { _, _ = p.nc.Write([]byte(fmt.Sprintf("%d %s %d\n", int(request.ID), p.name, protocolVersion))) }()

	line, err := p.r.ReadString('\n')
	require.NoError(t, err)
	fields := strings.Fields(strings.TrimSuffix(line, "\n"))
	require.Len(t, fields, 3)
	require.Equal(t, strconv.Itoa(int(request.ID)), fields[0])
	return fields[1]
}

// handshake runs the SPTPS initiator half against meshPub, the mesh's own
// signature key, returning the session this harness will use for every
// APPLICATION record afterward.
func (p *peerHarness) handshake(meshPub *keys.SignatureKey) *sptps.Session {
	t := p.t
	eph, err := keys.GenerateEphemeral()
	require.NoError(t, err)

	session, err := initiatorHandshake(p.nc, p.r, eph, p.sig, meshPub)
	require.NoError(t, err)
	return session
}

// exchangeACK sends this harness's encrypted ACK and reads the mesh's own
// ACK back, completing the handshake's final phase.
func (p *peerHarness) exchangeACK(session *sptps.Session) {
	t := p.t
	go func() { _ = writeApplicationLine(p.nc, session, strconv.Itoa(int(request.ACK))) }()

	line, err := readApplicationLine(p.r, session)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(int(request.ACK)), line)
}

// fullHandshake runs the complete ID + SPTPS + ACK sequence and returns the
// session the harness can now use to speak the meta-protocol.
func (p *peerHarness) fullHandshake(meshPub *keys.SignatureKey) *sptps.Session {
	p.exchangeID()
	session := p.handshake(meshPub)
	p.exchangeACK(session)
	return session
}

func (p *peerHarness) send(session *sptps.Session, line string) {
	require.NoError(p.t, writeApplicationLine(p.nc, session, line))
}

func (p *peerHarness) receive(session *sptps.Session) string {
	line, err := readApplicationLine(p.r, session)
	require.NoError(p.t, err)
	return line
}

func runTestMesh(t *testing.T, m *Mesh) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		m.Stop()
	})
}

func TestAcceptDrivesHandshakeToOpen(t *testing.T) {
	m := newTestMesh(t)
	runTestMesh(t, m)

	server, client := net.Pipe()
	defer client.Close()

	harness := newPeerHarness(t, client, "alice")
	m.topo.AddNode(&topology.Node{Name: "alice", PublicKey: harness.sig})

	c := m.Accept("", server)
	harness.fullHandshake(m.SelfKey())

	require.Eventually(t, func() bool {
		return c.State() == conn.Open
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "alice", c.PeerName)

	registered, ok := m.Connection("alice")
	require.True(t, ok)
	require.Same(t, c, registered)
}

func TestAcceptRepliesToPingOverSession(t *testing.T) {
	m := newTestMesh(t)
	runTestMesh(t, m)

	server, client := net.Pipe()
	defer client.Close()

	harness := newPeerHarness(t, client, "bob")
	m.topo.AddNode(&topology.Node{Name: "bob", PublicKey: harness.sig})

	c := m.Accept("", server)
	session := harness.fullHandshake(m.SelfKey())

	require.Eventually(t, func() bool {
		return c.State() == conn.Open
	}, time.Second, 10*time.Millisecond)

	harness.send(session, strconv.Itoa(int(request.PING)))
	reply := harness.receive(session)
	require.Equal(t, strconv.Itoa(int(request.PONG)), reply)
}

func TestAcceptRejectsUnknownPeer(t *testing.T) {
	m := newTestMesh(t)
	runTestMesh(t, m)

	server, client := net.Pipe()
	defer client.Close()

	harness := newPeerHarness(t, client, "mallory")
	// Deliberately not registered in m.topo: the handshake has no signature
	// key to verify against, so it must fail closed.

	c := m.Accept("", server)
	harness.exchangeID()

	require.Eventually(t, func() bool {
		return c.State() == conn.Dead
	}, time.Second, 10*time.Millisecond)
}

func TestAcceptClosesConnectionWhenPeerHangsUp(t *testing.T) {
	m := newTestMesh(t)
	runTestMesh(t, m)

	server, client := net.Pipe()

	c := m.Accept("carol", server)
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return c.State() == conn.Dead
	}, time.Second, 10*time.Millisecond)
}

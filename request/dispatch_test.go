package request

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elear-solutions/meshlink-tiny/conn"
	"github.com/elear-solutions/meshlink-tiny/keys"
	"github.com/elear-solutions/meshlink-tiny/topology"
)

type fakeMesh struct {
	topo    *topology.Store
	conns   []*conn.Connection
	submesh map[string]string
	now     time.Time
	pending map[string]*keys.EphemeralKey
}

func newFakeMesh() *fakeMesh {
	return &fakeMesh{
		topo:    topology.New(),
		submesh: map[string]string{},
		now:     time.Unix(1_000_000, 0),
		pending: map[string]*keys.EphemeralKey{},
	}
}

func (f *fakeMesh) Topology() *topology.Store { return f.topo }
func (f *fakeMesh) Connections(visit func(*conn.Connection) bool) {
	for _, c := range f.conns {
		if !visit(c) {
			return
		}
	}
}
func (f *fakeMesh) SubmeshOf(peerName string) string { return f.submesh[peerName] }
func (f *fakeMesh) LocalName() string                { return "local" }
func (f *fakeMesh) Now() time.Time                   { return f.now }

func (f *fakeMesh) RespondToKeyRequest(peerName, peerEphemeralHex string) (string, error) {
	peerPub, err := hex.DecodeString(peerEphemeralHex)
	if err != nil {
		return "", err
	}
	eph, err := keys.GenerateEphemeral()
	if err != nil {
		return "", err
	}
	if _, err := eph.ComputeShared(peerPub); err != nil {
		return "", err
	}
	return hex.EncodeToString(eph.PublicRaw()), nil
}

func (f *fakeMesh) CompleteKeyExchange(peerName, peerEphemeralHex string) error {
	peerPub, err := hex.DecodeString(peerEphemeralHex)
	if err != nil {
		return err
	}
	eph, ok := f.pending[peerName]
	if !ok {
		return fmt.Errorf("no pending key exchange for %s", peerName)
	}
	_, err = eph.ComputeShared(peerPub)
	return err
}

func openConn(name string) *conn.Connection {
	c := conn.New(name, nil)
	c.Advance(conn.WaitID)
	c.Advance(conn.WaitAck)
	c.Advance(conn.Open)
	return c
}

func TestReceiveIDSetsPeerName(t *testing.T) {
	m := newFakeMesh()
	c := conn.New("", nil)
	require.NoError(t, Receive(m, c, "0 alice 1"))
	require.Equal(t, "alice", c.PeerName)
}

func TestReceiveRejectsUnknownNumber(t *testing.T) {
	m := newFakeMesh()
	c := conn.New("", nil)
	err := Receive(m, c, "999 foo")
	require.Error(t, err)
}

func TestReceiveRejectsOutOfMaskRequest(t *testing.T) {
	m := newFakeMesh()
	c := conn.New("", nil) // PreID: only ID (and ERROR) allowed
	err := Receive(m, c, "1") // ACK
	require.Error(t, err)
}

func TestReceiveAlwaysAllowsError(t *testing.T) {
	m := newFakeMesh()
	c := conn.New("", nil)
	err := Receive(m, c, "3 something went wrong")
	require.ErrorContains(t, err, "peer reported error") // handler itself reports failure
}

func TestAddEdgeThenDelEdgeLeavesNoEdge(t *testing.T) {
	m := newFakeMesh()
	c := openConn("peer")

	require.NoError(t, Receive(m, c, "7 a b 1.2.3.4 655 0 5 9"))
	_, ok := m.Topology().LookupEdge("a", "b")
	require.True(t, ok)

	require.NoError(t, Receive(m, c, "8 a b 9"))
	_, ok = m.Topology().LookupEdge("a", "b")
	require.False(t, ok)
}

func TestDelEdgeIgnoresStaleSessionID(t *testing.T) {
	m := newFakeMesh()
	c := openConn("peer")

	require.NoError(t, Receive(m, c, "7 a b 1.2.3.4 655 0 5 10"))
	require.NoError(t, Receive(m, c, "8 a b 3")) // stale session id

	_, ok := m.Topology().LookupEdge("a", "b")
	require.True(t, ok, "edge must survive a stale DEL_EDGE")
}

func TestForwardSuppressesDuplicateWithinWindow(t *testing.T) {
	m := newFakeMesh()
	a := openConn("a")
	b := openConn("b")
	c := openConn("c")
	m.conns = []*conn.Connection{a, b, c}

	line := "7 x y addr 1 0 1 1\n"
	Forward(m, a, line)
	require.Contains(t, b.OutBuf.String(), line)
	require.Contains(t, c.OutBuf.String(), line)
	require.NotContains(t, a.OutBuf.String(), line)

	b.OutBuf.Reset()
	c.OutBuf.Reset()
	Forward(m, a, line) // seen within the window now
	require.Empty(t, b.OutBuf.String())
	require.Empty(t, c.OutBuf.String())
}

func TestSendToSubmeshFiltersByPeer(t *testing.T) {
	m := newFakeMesh()
	a := openConn("a")
	b := openConn("b")
	m.conns = []*conn.Connection{a, b}
	m.submesh["a"] = "red"
	m.submesh["b"] = "blue"

	SendToSubmesh(m, "red", nil, "hello\n")
	require.Contains(t, a.OutBuf.String(), "hello")
	require.Empty(t, b.OutBuf.String())
}

func TestHandlePingRespondsWithPong(t *testing.T) {
	m := newFakeMesh()
	c := openConn("peer")
	require.NoError(t, Receive(m, c, "5"))
	require.Contains(t, c.OutBuf.String(), "6\n")
}

func TestReqKeyRespondsWithAnsKey(t *testing.T) {
	m := newFakeMesh()
	c := openConn("peer")

	eph, err := keys.GenerateEphemeral()
	require.NoError(t, err)
	requestorHex := hex.EncodeToString(eph.PublicRaw())

	require.NoError(t, Receive(m, c, fmt.Sprintf("%d %s", int(REQ_KEY), requestorHex)))
	require.Contains(t, c.OutBuf.String(), fmt.Sprintf("%d ", int(ANS_KEY)))
}

func TestAnsKeyCompletesPendingExchange(t *testing.T) {
	m := newFakeMesh()
	c := openConn("peer")

	requestorEph, err := keys.GenerateEphemeral()
	require.NoError(t, err)
	m.pending["peer"] = requestorEph

	responderEph, err := keys.GenerateEphemeral()
	require.NoError(t, err)
	responderHex := hex.EncodeToString(responderEph.PublicRaw())

	require.NoError(t, Receive(m, c, fmt.Sprintf("%d %s", int(ANS_KEY), responderHex)))
}

func TestAnsKeyFailsWithoutPendingExchange(t *testing.T) {
	m := newFakeMesh()
	c := openConn("peer")
	require.Error(t, Receive(m, c, fmt.Sprintf("%d deadbeef", int(ANS_KEY))))
	require.Equal(t, conn.Dead, c.State())
}

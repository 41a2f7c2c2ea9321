package meshlink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elear-solutions/meshlink-tiny/conn"
	"github.com/elear-solutions/meshlink-tiny/keys"
)

func newTestMesh(t *testing.T) *Mesh {
	t.Helper()
	k, err := keys.Generate()
	require.NoError(t, err)
	return New("local", k)
}

func TestAddLookupRemoveConnection(t *testing.T) {
	m := newTestMesh(t)
	c := conn.New("alice", nil)
	m.AddConnection(c)

	got, ok := m.Connection("alice")
	require.True(t, ok)
	require.Same(t, c, got)

	m.RemoveConnection("alice")
	_, ok = m.Connection("alice")
	require.False(t, ok)
}

func TestConnectionsVisitsAllRegistered(t *testing.T) {
	m := newTestMesh(t)
	m.AddConnection(conn.New("a", nil))
	m.AddConnection(conn.New("b", nil))

	var seen []string
	m.Connections(func(c *conn.Connection) bool {
		seen = append(seen, c.PeerName)
		return true
	})
	require.ElementsMatch(t, []string{"a", "b"}, seen)
}

func TestSubmeshOfDefaultsEmpty(t *testing.T) {
	m := newTestMesh(t)
	require.Equal(t, "", m.SubmeshOf("nobody"))
	m.SetSubmesh("alice", "red")
	require.Equal(t, "red", m.SubmeshOf("alice"))
}

func TestReceiveLineKillsConnectionOnFailure(t *testing.T) {
	m := newTestMesh(t)
	c := conn.New("", nil)
	m.ReceiveLine(c, "999 bogus")
	require.Equal(t, conn.Dead, c.State())
}

func TestReceiveLineSetsPeerNameOnSuccess(t *testing.T) {
	m := newTestMesh(t)
	c := conn.New("", nil)
	m.ReceiveLine(c, "0 alice 1")
	require.Equal(t, "alice", c.PeerName)
	require.Equal(t, conn.PreID, c.State())
}

func TestSubmitRunsOnLoopGoroutine(t *testing.T) {
	m := newTestMesh(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)
	defer m.Stop()

	done := make(chan struct{})
	m.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted work never ran")
	}
}

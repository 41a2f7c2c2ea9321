// Package meshlink wires together the meta-protocol core's components
// (ordermap/queue/keys/sptps/conn/request/topology/eventloop) into a single
// owned handle, the Go translation of the original core's
// meshlink_handle_t. Every mutation of shared state happens from the one
// goroutine running the embedded event loop, per spec.md §5; application
// goroutines hand work in exclusively through the thread-safe FIFO (C2).
package meshlink

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/elear-solutions/meshlink-tiny/conn"
	"github.com/elear-solutions/meshlink-tiny/eventloop"
	"github.com/elear-solutions/meshlink-tiny/keys"
	"github.com/elear-solutions/meshlink-tiny/queue"
	"github.com/elear-solutions/meshlink-tiny/request"
	"github.com/elear-solutions/meshlink-tiny/topology"
)

// Mesh is the single handle threading every component through one owner,
// matching original_source's observation (spec.md §9's "Globals" note)
// that the C core has no process-wide globals: everything hangs off
// meshlink_handle_t. It implements request.MeshHandle so the request
// package's dispatch table can operate on it without an import cycle.
type Mesh struct {
	name    string
	selfKey *keys.SignatureKey

	topo *topology.Store
	loop *eventloop.Loop

	// inbox is the thread-safe FIFO (C2) application goroutines use to hand
	// work to the event-loop goroutine; the loop drains it continuously.
	inbox *queue.Queue[func()]

	// connMu guards conns and submesh, which are read from the façade
	// (status queries) as well as mutated by the event loop; everything
	// else in Mesh is event-loop-owned only, per spec.md §5's "mesh-level
	// mutex held only by the façade" carve-out for read-only snapshots.
	connMu  sync.Mutex
	conns   map[string]*conn.Connection // keyed by peer name; at most one per peer
	submesh map[string]string           // peer name -> submesh name

	// keySF deduplicates concurrent RequestKey calls for the same peer, the
	// same role the teacher's handshake.Server.sf singleflight.Group plays
	// deduplicating concurrent DID resolutions for one contextID.
	keySF singleflight.Group

	pendingMu  sync.Mutex
	pendingEph map[string]*pendingKeyExchange

	// rng is the mesh-local, non-cryptographic PRNG topology/pastrequest.go's
	// NextAgingDelay uses to jitter the past-request cache's aging timer
	// (spec.md §6).
	rng *rand.Rand
	// agingTimerArmed and agingTimer track the self-rearming aging timer:
	// it is only live while the past-request cache holds at least one entry,
	// per spec.md §8's "re-arms its own timer iff at least one entry
	// remains." Both fields are event-loop-goroutine-owned only.
	agingTimerArmed bool
	agingTimer      eventloop.HandleID
}

// New creates a Mesh identified by name, holding selfKey as its local
// signature identity.
func New(name string, selfKey *keys.SignatureKey) *Mesh {
	return &Mesh{
		name:       name,
		selfKey:    selfKey,
		topo:       topology.New(),
		loop:       eventloop.New(),
		inbox:      queue.New[func()](),
		conns:      make(map[string]*conn.Connection),
		submesh:    make(map[string]string),
		pendingEph: make(map[string]*pendingKeyExchange),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Topology implements request.MeshHandle.
func (m *Mesh) Topology() *topology.Store { return m.topo }

// LocalName implements request.MeshHandle.
func (m *Mesh) LocalName() string { return m.name }

// Now implements request.MeshHandle, delegating to the event loop's
// monotonic clock.
func (m *Mesh) Now() time.Time { return m.loop.Now() }

// SubmeshOf implements request.MeshHandle.
func (m *Mesh) SubmeshOf(peerName string) string {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.submesh[peerName]
}

// SetSubmesh records which submesh a peer belongs to, used by
// SendToSubmesh filtering.
func (m *Mesh) SetSubmesh(peerName, submesh string) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.submesh[peerName] = submesh
}

// SelfKey returns the mesh's local signature identity.
func (m *Mesh) SelfKey() *keys.SignatureKey { return m.selfKey }

// Connections implements request.MeshHandle: it visits every registered
// connection (regardless of state; handlers that care about OPEN-ness check
// c.State() themselves, matching Broadcast's own filter).
func (m *Mesh) Connections(visit func(*conn.Connection) bool) {
	m.connMu.Lock()
	snapshot := make([]*conn.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		snapshot = append(snapshot, c)
	}
	m.connMu.Unlock()

	for _, c := range snapshot {
		if !visit(c) {
			return
		}
	}
}

// Connection returns the registered connection for peerName, if any. The
// mesh holds at most one live connection per peer, generalizing spec.md
// §3's "at most one live connection" note (there decided per §11's Open
// Question as a registry keyed by peer name).
func (m *Mesh) Connection(peerName string) (*conn.Connection, bool) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	c, ok := m.conns[peerName]
	return c, ok
}

// AddConnection registers c under its peer name, replacing any existing
// connection to that peer. conns is guarded by connMu, so it may be called
// from any goroutine; Accept's handshake goroutine calls it once the
// connection reaches Open.
func (m *Mesh) AddConnection(c *conn.Connection) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.conns[c.PeerName] = c
}

// RemoveConnection drops the registration for peerName. Must be called from
// the event-loop goroutine, typically as part of tearing a dead connection
// down.
func (m *Mesh) RemoveConnection(peerName string) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	delete(m.conns, peerName)
}

// Loop exposes the embedded reactor for wiring I/O and timers.
func (m *Mesh) Loop() *eventloop.Loop { return m.loop }

// Submit hands fn to the event loop via the thread-safe FIFO, the only path
// external (application) goroutines may use to request mesh-state mutation.
// It never blocks the caller.
func (m *Mesh) Submit(fn func()) {
	m.inbox.Push(fn)
}

// Run starts the mesh's event loop and an inbox-draining goroutine that
// posts each queued Submit callback onto the loop, supervised by an
// errgroup so that either one exiting (cleanly via ctx cancellation, or
// Stop being called directly) brings the other down too — the same
// paired-goroutine lifecycle shape the teacher's session manager cleanup
// goroutines use. It blocks until ctx is cancelled or Stop is called.
func (m *Mesh) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.drainInbox(gctx)
		return nil
	})
	g.Go(func() error {
		m.loop.Run()
		cancel() // loop stopped directly via Stop(): unblock drainInbox too
		return nil
	})
	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	m.loop.Post(m.ensureAgingTimerArmed)

	_ = g.Wait()
}

// ensureAgingTimerArmed starts the past-request cache's self-rearming aging
// timer if it isn't already running and the cache holds at least one entry,
// wiring topology.AgePastRequests/NextAgingDelay (spec.md §4.6/§8) into the
// running mesh. Must be called from the event-loop goroutine.
func (m *Mesh) ensureAgingTimerArmed() {
	if m.agingTimerArmed || m.topo.PastRequestCount() == 0 {
		return
	}
	delay, ok := m.topo.NextAgingDelay(m.rng)
	if !ok {
		return
	}
	m.agingTimerArmed = true
	m.agingTimer = m.loop.TimeoutAdd(delay, m.agingTimerFired)
}

// agingTimerFired is the aging timer's own callback: age out expired
// entries, then re-arm iff at least one entry remains, otherwise let the
// timer lapse until ensureAgingTimerArmed restarts it on the next fresh
// sighting.
func (m *Mesh) agingTimerFired() {
	m.topo.AgePastRequests(m.Now())
	delay, ok := m.topo.NextAgingDelay(m.rng)
	if !ok {
		m.agingTimerArmed = false
		return
	}
	m.loop.TimeoutSet(m.agingTimer, delay, m.agingTimerFired)
}

func (m *Mesh) drainInbox(ctx context.Context) {
	for {
		fn, ok := m.inbox.PopWait(ctx)
		if !ok {
			return
		}
		m.loop.Post(fn)
	}
}

// Stop shuts the event loop down; pending events are drained before Run
// returns.
func (m *Mesh) Stop() {
	m.loop.Stop()
}

// ReceiveLine feeds one complete, de-framed meta-protocol line from c's
// peer through the request layer's receive contract (spec.md §4.6), tearing
// c down to Dead on any handler failure. Must be called from the event-loop
// goroutine.
func (m *Mesh) ReceiveLine(c *conn.Connection, line string) {
	if err := request.Receive(m, c, line); err != nil {
		c.Kill()
	}
	m.ensureAgingTimerArmed()
}

var _ request.MeshHandle = (*Mesh)(nil)

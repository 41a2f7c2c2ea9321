package meshlink

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/elear-solutions/meshlink-tiny/conn"
	"github.com/elear-solutions/meshlink-tiny/eventloop"
	"github.com/elear-solutions/meshlink-tiny/request"
	"github.com/elear-solutions/meshlink-tiny/sptps"
)

// protocolVersion is the version number this node advertises in its ID
// line, spec.md §4.3's "ID name version" wire format.
const protocolVersion = 1

// Accept takes ownership of an already-connected net.Conn (spec.md §1's "we
// consume net.Conn" boundary: dialing/listening is the application's job,
// not this package's). peerName is set if we dialed out already knowing who
// we expected (this end plays the SPTPS initiator); it is "" for an inbound
// connection whose peer is unknown until its ID line arrives (this end
// plays the responder). The handshake — cleartext ID exchange, SPTPS key
// agreement, encrypted ACK — runs on its own goroutine before any line ever
// reaches ReceiveLine, driving PreID -> WaitID -> WaitAck -> Open for real.
func (m *Mesh) Accept(peerName string, nc net.Conn) *conn.Connection {
	role := sptps.RoleResponder
	if peerName != "" {
		role = sptps.RoleInitiator
	}

	c := conn.New(peerName, nc.Close)
	handle := m.loop.IOAdd(func() { _ = nc.Close() })
	c.EventLoopHandle = handle

	go m.serve(c, nc, handle, role, peerName)
	return c
}

// serve runs the handshake prelude synchronously on its own goroutine, then
// falls into the steady-state encrypted read loop (spec.md §6.8's one
// blocking-reader goroutine per connection), posting every recovered line to
// the event loop via Post rather than processing it here directly.
func (m *Mesh) serve(c *conn.Connection, nc net.Conn, handle eventloop.HandleID, role sptps.Role, expectedPeerName string) {
	r := bufio.NewReader(nc)

	if err := m.handshakeConnection(c, nc, r, role, expectedPeerName); err != nil {
		m.loop.Post(func() { m.teardownSocket(c, handle) })
		return
	}

	m.readEncryptedLoop(c, nc, r, handle)
}

// handshakeConnection drives PreID -> WaitID -> WaitAck -> Open: send our
// cleartext ID, read the peer's, run the SPTPS handshake (C4) against the
// peer's topology-registered signature key, then exchange an encrypted ACK
// as the connection's first APPLICATION record — the literal meaning of
// spec.md §4.5's "WAIT_ACK --recv ACK--> OPEN". The single bufio.Reader r is
// used for every phase (cleartext ID line, binary handshake messages,
// encrypted records) so no byte read ahead by bufio is ever lost crossing a
// phase boundary.
func (m *Mesh) handshakeConnection(c *conn.Connection, nc net.Conn, r *bufio.Reader, role sptps.Role, expectedPeerName string) error {
	idLine := fmt.Sprintf("%d %s %d\n", int(request.ID), m.name, protocolVersion)
	asyncWrite(nc, []byte(idLine))
	if err := c.Advance(conn.WaitID); err != nil {
		return err
	}

	peerIDLine, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("meshlink: read peer ID: %w", err)
	}
	if err := request.Receive(m, c, strings.TrimSuffix(peerIDLine, "\n")); err != nil {
		return err
	}
	if expectedPeerName != "" && c.PeerName != expectedPeerName {
		return fmt.Errorf("meshlink: peer identified as %q, expected %q", c.PeerName, expectedPeerName)
	}
	if err := c.Advance(conn.WaitAck); err != nil {
		return err
	}

	node, ok := m.topo.LookupNode(c.PeerName)
	if !ok || node.PublicKey == nil {
		return fmt.Errorf("meshlink: no known signature key for peer %q", c.PeerName)
	}

	session, err := m.performHandshake(nc, r, role, node.PublicKey)
	if err != nil {
		return fmt.Errorf("meshlink: session handshake failed: %w", err)
	}
	c.Session = session

	asyncWriteApplicationLine(nc, session, strconv.Itoa(int(request.ACK)))
	peerAck, err := readApplicationLine(r, session)
	if err != nil {
		return fmt.Errorf("meshlink: read ACK: %w", err)
	}
	if err := request.Receive(m, c, peerAck); err != nil {
		return err
	}

	m.AddConnection(c)
	return nil
}

// readEncryptedLoop is the steady-state OPEN read path: every inbound
// APPLICATION record is decrypted and deframed into a line (spec.md §2's C5
// bytes -> C4 decrypt/deframe -> C6 lines), then handed to ReceiveLine on
// the event-loop goroutine exactly as the old plaintext path did.
func (m *Mesh) readEncryptedLoop(c *conn.Connection, nc net.Conn, r *bufio.Reader, handle eventloop.HandleID) {
	for {
		line, err := readApplicationLine(r, c.Session)
		if err != nil {
			break
		}
		m.loop.Post(func() {
			if c.State() == conn.Dead {
				return
			}
			m.ReceiveLine(c, line)
			m.flush(c, nc)
		})
	}
	m.loop.Post(func() { m.teardownSocket(c, handle) })
}

func (m *Mesh) teardownSocket(c *conn.Connection, handle eventloop.HandleID) {
	if c.State() != conn.Dead {
		c.Kill()
	}
	m.loop.IODel(handle)
	if c.PeerName != "" {
		m.RemoveConnection(c.PeerName)
	}
}

// flush encodes every line queued in c.OutBuf as its own authenticated
// APPLICATION record and writes it to nc — the encrypted counterpart of the
// old "write OutBuf verbatim" flush. Called only from the event-loop
// goroutine, immediately after a line is processed, so writes stay ordered
// with the state that produced them.
func (m *Mesh) flush(c *conn.Connection, nc net.Conn) {
	if c.OutBuf.Len() == 0 {
		return
	}
	buf := c.OutBuf.String()
	c.OutBuf.Reset()

	for _, line := range strings.Split(buf, "\n") {
		if line == "" {
			continue
		}
		if err := writeApplicationLine(nc, c.Session, line); err != nil {
			c.Kill()
			return
		}
	}
}

// readApplicationLine reads one record off r and returns its payload as a
// line with the trailing newline stripped. Anything but an APPLICATION
// record is a protocol violation: spec.md §4.4 reserves HANDSHAKE records
// for the handshake itself, which has already completed by this point.
func readApplicationLine(r *bufio.Reader, session *sptps.Session) (string, error) {
	typ, payload, err := session.ReadRecord(r)
	if err != nil {
		return "", err
	}
	if typ != sptps.RecordApplication {
		return "", fmt.Errorf("meshlink: expected application record, got type %d", typ)
	}
	return strings.TrimSuffix(string(payload), "\n"), nil
}

func writeApplicationLine(w net.Conn, session *sptps.Session, line string) error {
	return session.WriteRecord(w, sptps.RecordApplication, []byte(line+"\n"))
}

// asyncWrite writes b to w on its own goroutine, discarding any error: a
// write failure here always resurfaces as a read failure on the same
// connection. It exists because the cleartext ID exchange and the encrypted
// ACK exchange both have each end write before reading the other's reply,
// which would deadlock a synchronous write against an unbuffered transport
// (net.Pipe in tests; possible on a saturated real socket too).
func asyncWrite(w net.Conn, b []byte) {
	go func() { _, _ = w.Write(b) }()
}

func asyncWriteApplicationLine(w net.Conn, session *sptps.Session, line string) {
	go func() { _ = writeApplicationLine(w, session, line) }()
}

package meshlink

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/elear-solutions/meshlink-tiny/conn"
	"github.com/elear-solutions/meshlink-tiny/keys"
	"github.com/elear-solutions/meshlink-tiny/request"
)

// keyExchangeTTL bounds how long a REQ_KEY initiator waits for the matching
// ANS_KEY before its ephemeral key is considered abandoned.
const keyExchangeTTL = 30 * time.Second

type pendingKeyExchange struct {
	ephemeral *keys.EphemeralKey
	expires   time.Time
}

// RequestKey starts a fresh ECDH key exchange with peerName by sending
// REQ_KEY carrying a new ephemeral public key. Concurrent callers asking to
// rekey the same peer are deduplicated onto a single REQ_KEY send, the same
// role the teacher's handshake.Server.sf singleflight.Group plays
// deduplicating concurrent DID resolutions for one contextID. A call made
// while an earlier REQ_KEY to the same peer is still awaiting its ANS_KEY
// (within keyExchangeTTL) sends nothing new.
func (m *Mesh) RequestKey(peerName string) error {
	_, err, _ := m.keySF.Do(peerName, func() (any, error) {
		c, ok := m.Connection(peerName)
		if !ok || c.State() != conn.Open {
			return nil, fmt.Errorf("meshlink: no open connection to %s", peerName)
		}

		m.pendingMu.Lock()
		pending, waiting := m.pendingEph[peerName]
		m.pendingMu.Unlock()
		if waiting && time.Now().Before(pending.expires) {
			return nil, nil
		}

		eph, err := keys.GenerateEphemeral()
		if err != nil {
			return nil, fmt.Errorf("meshlink: generate ephemeral: %w", err)
		}

		m.pendingMu.Lock()
		m.pendingEph[peerName] = &pendingKeyExchange{
			ephemeral: eph,
			expires:   time.Now().Add(keyExchangeTTL),
		}
		m.pendingMu.Unlock()

		return nil, request.Send(c, "%d %s", int(request.REQ_KEY), hex.EncodeToString(eph.PublicRaw()))
	})
	return err
}

// RespondToKeyRequest implements request.MeshHandle: it answers an incoming
// REQ_KEY by generating its own ephemeral key, deriving the shared secret
// against the requestor's hex-encoded ephemeral public key, and returning
// its own hex-encoded public key for the caller to send back as ANS_KEY.
//
// The derived secret is not spliced into the connection's live SPTPS
// session (hot-rotating an established session's AEADs is out of scope
// here); this performs the real ECDH agreement the wire format calls for
// and leaves use of the resulting secret to a future KEY_CHANGED-driven
// session replacement.
func (m *Mesh) RespondToKeyRequest(peerName, peerEphemeralHex string) (string, error) {
	peerPub, err := hex.DecodeString(peerEphemeralHex)
	if err != nil {
		return "", fmt.Errorf("meshlink: decode peer ephemeral: %w", err)
	}

	eph, err := keys.GenerateEphemeral()
	if err != nil {
		return "", fmt.Errorf("meshlink: generate ephemeral: %w", err)
	}

	if _, err := eph.ComputeShared(peerPub); err != nil {
		return "", fmt.Errorf("meshlink: compute shared secret: %w", err)
	}

	return hex.EncodeToString(eph.PublicRaw()), nil
}

// CompleteKeyExchange implements request.MeshHandle: it finishes the ECDH
// agreement this mesh initiated via RequestKey, consuming the pending
// ephemeral key recorded for peerName.
func (m *Mesh) CompleteKeyExchange(peerName, peerEphemeralHex string) error {
	peerPub, err := hex.DecodeString(peerEphemeralHex)
	if err != nil {
		return fmt.Errorf("meshlink: decode peer ephemeral: %w", err)
	}

	m.pendingMu.Lock()
	pending, ok := m.pendingEph[peerName]
	if ok {
		delete(m.pendingEph, peerName)
	}
	m.pendingMu.Unlock()

	if !ok {
		return fmt.Errorf("meshlink: no pending key exchange for %s", peerName)
	}
	if time.Now().After(pending.expires) {
		return fmt.Errorf("meshlink: key exchange for %s expired", peerName)
	}

	_, err = pending.ephemeral.ComputeShared(peerPub)
	if err != nil {
		return fmt.Errorf("meshlink: compute shared secret: %w", err)
	}
	return nil
}

package meshlink

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/elear-solutions/meshlink-tiny/internal/metrics"
	"github.com/elear-solutions/meshlink-tiny/keys"
	"github.com/elear-solutions/meshlink-tiny/sptps"
)

// performHandshake drives SPTPS's four-message mutually-authenticated
// Diffie-Hellman handshake (spec.md §4.4) over nc, timing the attempt and
// recording its outcome via the handshake metrics the teacher's session
// package records around its own key-agreement step. peerSig is the peer's
// already-known long-term signature key, looked up from the topology once
// the cleartext ID exchange has told us who we're talking to.
func (m *Mesh) performHandshake(nc net.Conn, r *bufio.Reader, role sptps.Role, peerSig *keys.SignatureKey) (*sptps.Session, error) {
	start := time.Now()
	session, err := runHandshake(nc, r, role, m.selfKey, peerSig)
	metrics.RecordHandshake(err == nil, time.Since(start).Seconds())
	return session, err
}

func runHandshake(nc net.Conn, r *bufio.Reader, role sptps.Role, selfSig, peerSig *keys.SignatureKey) (*sptps.Session, error) {
	selfEph, err := keys.GenerateEphemeral()
	if err != nil {
		return nil, fmt.Errorf("meshlink: generate ephemeral key: %w", err)
	}
	if role == sptps.RoleInitiator {
		return initiatorHandshake(nc, r, selfEph, selfSig, peerSig)
	}
	return responderHandshake(nc, r, selfEph, selfSig, peerSig)
}

// initiatorHandshake plays side A of sptps_test.go's establish() sequence
// over a live connection: send epkA, receive epkB+Sig_B(epkA||epkB), send
// Sig_A(epkB||epkA), then derive keys as RoleInitiator.
func initiatorHandshake(nc net.Conn, r *bufio.Reader, selfEph *keys.EphemeralKey, selfSig, peerSig *keys.SignatureKey) (*sptps.Session, error) {
	epkA := sptps.HandshakeMsg1(selfEph)
	if _, err := nc.Write(epkA); err != nil {
		return nil, fmt.Errorf("meshlink: send handshake message 1: %w", err)
	}

	msg2 := make([]byte, sptps.Msg2Size)
	if _, err := io.ReadFull(r, msg2); err != nil {
		return nil, fmt.Errorf("meshlink: read handshake message 2: %w", err)
	}
	epkB, err := sptps.ParseHandshakeMsg2(peerSig, epkA, msg2)
	if err != nil {
		return nil, err
	}

	shared, err := selfEph.ComputeShared(epkB)
	if err != nil {
		return nil, fmt.Errorf("meshlink: compute shared secret: %w", err)
	}

	msg3, err := sptps.HandshakeMsg3(selfSig, epkA, epkB)
	if err != nil {
		return nil, err
	}
	if _, err := nc.Write(msg3); err != nil {
		return nil, fmt.Errorf("meshlink: send handshake message 3: %w", err)
	}

	return sptps.DeriveKeys(sptps.RoleInitiator, shared, epkA, epkB)
}

// responderHandshake plays side B: receive epkA, send epkB+Sig_B(epkA||epkB),
// receive and verify Sig_A(epkB||epkA), then derive keys as RoleResponder.
func responderHandshake(nc net.Conn, r *bufio.Reader, selfEph *keys.EphemeralKey, selfSig, peerSig *keys.SignatureKey) (*sptps.Session, error) {
	epkA := make([]byte, sptps.Msg1Size)
	if _, err := io.ReadFull(r, epkA); err != nil {
		return nil, fmt.Errorf("meshlink: read handshake message 1: %w", err)
	}

	msg2, err := sptps.HandshakeMsg2(selfEph, selfSig, epkA)
	if err != nil {
		return nil, err
	}
	if _, err := nc.Write(msg2); err != nil {
		return nil, fmt.Errorf("meshlink: send handshake message 2: %w", err)
	}
	epkB := selfEph.PublicRaw()

	shared, err := selfEph.ComputeShared(epkA)
	if err != nil {
		return nil, fmt.Errorf("meshlink: compute shared secret: %w", err)
	}

	msg3 := make([]byte, sptps.Msg3Size)
	if _, err := io.ReadFull(r, msg3); err != nil {
		return nil, fmt.Errorf("meshlink: read handshake message 3: %w", err)
	}
	if err := sptps.VerifyHandshakeMsg3(peerSig, epkA, epkB, msg3); err != nil {
		return nil, err
	}

	return sptps.DeriveKeys(sptps.RoleResponder, shared, epkA, epkB)
}

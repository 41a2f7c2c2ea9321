// Package sptps implements the Simple Peer-to-Peer Security record
// transport: a length-framed duplex channel authenticated with ChaCha20-
// Poly1305 and bootstrapped by a four-message mutually-authenticated
// Diffie-Hellman handshake. It is the Go translation of the original core's
// sptps.c, restructured around the teacher's session.SecureSession
// (ChaCha20-Poly1305 choice, HKDF key derivation) and keys.EphemeralKey for
// the ECDH half.
package sptps

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/elear-solutions/meshlink-tiny/keys"
)

// RecordType distinguishes handshake records from application records on
// the wire, spec.md §4.4's closed {HANDSHAKE, APPLICATION} set.
type RecordType uint8

const (
	RecordHandshake   RecordType = 0
	RecordApplication RecordType = 1
)

const (
	// HeaderSize is the 4-byte big-endian length field plus the 1-byte
	// record type that precedes every record's payload.
	HeaderSize = 5
	// MaxRecordLength is the maximum payload+type length a receiver will
	// accept before declaring the session dead, spec.md §4.4's "length
	// field > 16 MiB" fatal condition.
	MaxRecordLength = 16 * 1024 * 1024
	// TagSize is the ChaCha20-Poly1305 authentication tag length, satisfying
	// the generic "16 bytes for the default AEAD" spec.md requires.
	TagSize   = chacha20poly1305.Overhead
	nonceSize = chacha20poly1305.NonceSize // 12 bytes = 96 bits

	// Msg1Size is the initiator's raw X25519 ephemeral public key.
	Msg1Size = 32
	// Msg2Size is the responder's ephemeral public key plus its Ed25519
	// signature over epkA||epkB.
	Msg2Size = 32 + keys.SignatureSize
	// Msg3Size is the initiator's Ed25519 signature over epkB||epkA.
	Msg3Size = keys.SignatureSize
)

var (
	// ErrRecordTooLarge is returned when a decoded length field exceeds
	// MaxRecordLength.
	ErrRecordTooLarge = errors.New("sptps: record length exceeds maximum")
	// ErrUnknownRecordType is returned for any record type outside the
	// closed {HANDSHAKE, APPLICATION} set.
	ErrUnknownRecordType = errors.New("sptps: unknown record type")
	// ErrReplay is returned when a record is a byte-for-byte repeat of the
	// last record accepted in that direction. Any other stale or reordered
	// record fails authentication instead, since its nonce no longer matches
	// the receive counter.
	ErrReplay = errors.New("sptps: record counter did not strictly increase")
	// ErrHandshakeFailed covers any handshake-stage authentication or
	// signature failure.
	ErrHandshakeFailed = errors.New("sptps: handshake failed")
	// ErrSessionDead is returned by EncodeRecord, DecodeRecord and ReadRecord
	// once a session has been
	// marked dead by an earlier fatal error.
	ErrSessionDead = errors.New("sptps: session is dead")
)

// Role distinguishes the handshake initiator from the responder, since the
// key derivation and message order differ by role.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Session is one SPTPS connection's live cryptographic state: independent
// send/receive keys and nonce bases, and per-direction monotone counters.
// Sessions are not safe for concurrent use; the event loop (C5/C6) that owns
// a connection serializes all access.
type Session struct {
	// id is a random tracing identifier distinct from the protocol-level
	// topology.Edge.SessionID; it exists purely to correlate this session's
	// log lines and metrics across its lifetime, the same role the
	// teacher's session.Metadata.ID (uuid.NewString()) plays.
	id string

	role Role
	dead bool

	sendAEAD cipherWithNonceBase
	recvAEAD cipherWithNonceBase

	sendCounter uint64
	recvCounter uint64
	recvStarted bool

	// lastRecvFrame holds the sealed bytes of the last record accepted in the
	// receive direction, so an exact-duplicate record (a genuine replay
	// rather than a forged or corrupted one) can be rejected cheaply, before
	// even attempting authentication, with ErrReplay.
	lastRecvFrame []byte
}

// ID returns the session's tracing identifier.
func (s *Session) ID() string { return s.id }

type cipherWithNonceBase struct {
	aead      chacha20PolyAEAD
	nonceBase [nonceSize]byte
}

// chacha20PolyAEAD is the minimal surface sptps needs from
// golang.org/x/crypto/chacha20poly1305's cipher.AEAD, named to avoid
// importing crypto/cipher's full interface name twice.
type chacha20PolyAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// handshakeLabel is mixed into the session key derivation so SPTPS keys can
// never collide with keys derived for an unrelated protocol use of the same
// ECDH shared secret.
const handshakeLabel = "meshlink-tiny sptps v1"

// DeriveKeys implements spec.md §4.4 point 4: given the raw ECDH shared
// secret and both ephemeral public keys (initiator's epkA, responder's
// epkB), derive four independent values by HKDF-Extract(SHA-512, shared,
// label||epkA||epkB) followed by HKDF-Expand, grounded on the teacher's
// DeriveSessionSeed/HKDF-Extract pattern in session/session.go.
func DeriveKeys(role Role, shared, epkA, epkB []byte) (*Session, error) {
	salt := append([]byte(handshakeLabel), epkA...)
	salt = append(salt, epkB...)
	prk := hkdf.Extract(sha512.New, shared, salt)

	expand := func(info string, n int) []byte {
		r := hkdf.Expand(sha512.New, prk, []byte(info))
		out := make([]byte, n)
		if _, err := io.ReadFull(r, out); err != nil {
			panic("sptps: hkdf expand: " + err.Error())
		}
		return out
	}

	aToB := expand("a-to-b-key", chacha20poly1305.KeySize)
	bToA := expand("b-to-a-key", chacha20poly1305.KeySize)
	aToBNonce := expand("a-to-b-nonce", nonceSize)
	bToANonce := expand("b-to-a-nonce", nonceSize)

	aeadAToB, err := chacha20poly1305.New(aToB)
	if err != nil {
		return nil, fmt.Errorf("sptps: init aead: %w", err)
	}
	aeadBToA, err := chacha20poly1305.New(bToA)
	if err != nil {
		return nil, fmt.Errorf("sptps: init aead: %w", err)
	}

	s := &Session{id: uuid.NewString(), role: role}
	switch role {
	case RoleInitiator:
		s.sendAEAD = cipherWithNonceBase{aead: aeadAToB, nonceBase: toArray(aToBNonce)}
		s.recvAEAD = cipherWithNonceBase{aead: aeadBToA, nonceBase: toArray(bToANonce)}
	case RoleResponder:
		s.sendAEAD = cipherWithNonceBase{aead: aeadBToA, nonceBase: toArray(bToANonce)}
		s.recvAEAD = cipherWithNonceBase{aead: aeadAToB, nonceBase: toArray(aToBNonce)}
	}
	return s, nil
}

func toArray(b []byte) [nonceSize]byte {
	var a [nonceSize]byte
	copy(a[:], b)
	return a
}

// nonceFor XORs the per-direction nonce base with the record counter,
// encoded big-endian in the low 8 bytes, giving a unique nonce per record
// without transmitting it on the wire.
func nonceFor(base [nonceSize]byte, counter uint64) []byte {
	nonce := base
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= ctr[i]
	}
	out := make([]byte, nonceSize)
	copy(out, nonce[:])
	return out
}

// EncodeRecord seals payload under the session's send direction and frames
// it as length||type||ciphertext, consuming the next send counter value.
func (s *Session) EncodeRecord(typ RecordType, payload []byte) ([]byte, error) {
	if s.dead {
		return nil, ErrSessionDead
	}
	nonce := nonceFor(s.sendAEAD.nonceBase, s.sendCounter)
	s.sendCounter++

	sealed := s.sendAEAD.aead.Seal(nil, nonce, payload, []byte{byte(typ)})

	length := uint32(1 + len(payload)) // type + payload, not counting the tag
	out := make([]byte, HeaderSize+len(sealed))
	binary.BigEndian.PutUint32(out[0:4], length)
	out[4] = byte(typ)
	copy(out[HeaderSize:], sealed)
	return out, nil
}

// DecodeRecord parses and authenticates one record from the front of buf,
// returning the record type, the plaintext payload, and the number of bytes
// consumed. It returns (0, nil, 0, nil) if buf does not yet hold a complete
// record (the caller should buffer more input). Any authentication,
// framing, or replay failure marks the session dead.
func (s *Session) DecodeRecord(buf []byte) (typ RecordType, payload []byte, consumed int, err error) {
	if s.dead {
		return 0, nil, 0, ErrSessionDead
	}
	if len(buf) < HeaderSize {
		return 0, nil, 0, nil
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		s.dead = true
		return 0, nil, 0, ErrUnknownRecordType
	}
	if length > MaxRecordLength {
		s.dead = true
		return 0, nil, 0, ErrRecordTooLarge
	}

	recordTyp := RecordType(buf[4])
	if recordTyp != RecordHandshake && recordTyp != RecordApplication {
		s.dead = true
		return 0, nil, 0, ErrUnknownRecordType
	}

	total := HeaderSize + int(length-1) + TagSize
	if len(buf) < total {
		return 0, nil, 0, nil
	}

	sealed := buf[HeaderSize:total]
	if s.recvStarted && bytes.Equal(sealed, s.lastRecvFrame) {
		s.dead = true
		return 0, nil, 0, ErrReplay
	}

	nonce := nonceFor(s.recvAEAD.nonceBase, s.recvCounter)
	plain, openErr := s.recvAEAD.aead.Open(nil, nonce, sealed, []byte{byte(recordTyp)})
	if openErr != nil {
		s.dead = true
		return 0, nil, 0, fmt.Errorf("sptps: authentication failed: %w", openErr)
	}

	s.recvCounter++
	s.recvStarted = true
	s.lastRecvFrame = append(s.lastRecvFrame[:0], sealed...)
	return recordTyp, plain, total, nil
}

// ReadRecord reads and decrypts exactly one complete record from r, blocking
// until the full frame has arrived. It is the streaming counterpart to
// DecodeRecord for callers reading off a live connection rather than a
// pre-buffered byte slice.
func (s *Session) ReadRecord(r io.Reader) (RecordType, []byte, error) {
	if s.dead {
		return 0, nil, ErrSessionDead
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length == 0 {
		s.dead = true
		return 0, nil, ErrUnknownRecordType
	}
	if length > MaxRecordLength {
		s.dead = true
		return 0, nil, ErrRecordTooLarge
	}

	body := make([]byte, int(length-1)+TagSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}

	frame := make([]byte, 0, HeaderSize+len(body))
	frame = append(frame, header...)
	frame = append(frame, body...)

	typ, payload, _, err := s.DecodeRecord(frame)
	return typ, payload, err
}

// WriteRecord seals payload and writes the framed record to w in one call.
func (s *Session) WriteRecord(w io.Writer, typ RecordType, payload []byte) error {
	frame, err := s.EncodeRecord(typ, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// MarkDead forces the session into the dead state, used when an owning
// connection detects a fatal error elsewhere (e.g. peer half-close with a
// partial record buffered).
func (s *Session) MarkDead() {
	s.dead = true
}

// Dead reports whether the session has been torn down.
func (s *Session) Dead() bool {
	return s.dead
}

// --- Handshake message construction -----------------------------------

// HandshakeMsg1 builds the initiator's first message: just its 32-byte
// ephemeral public key.
func HandshakeMsg1(selfEph *keys.EphemeralKey) []byte {
	return selfEph.PublicRaw()
}

// HandshakeMsg2 builds the responder's message: epkB || Sign_B(epkA||epkB).
func HandshakeMsg2(selfEph *keys.EphemeralKey, selfSig *keys.SignatureKey, epkA []byte) ([]byte, error) {
	epkB := selfEph.PublicRaw()
	transcript := append(append([]byte{}, epkA...), epkB...)
	sig, err := selfSig.Sign(transcript)
	if err != nil {
		return nil, fmt.Errorf("sptps: sign handshake message 2: %w", err)
	}
	out := make([]byte, 0, len(epkB)+len(sig))
	out = append(out, epkB...)
	out = append(out, sig...)
	return out, nil
}

// ParseHandshakeMsg2 splits a received message 2 into epkB and B's signature
// over epkA||epkB, verifying it against B's known public key.
func ParseHandshakeMsg2(peerSig *keys.SignatureKey, epkA, msg2 []byte) (epkB []byte, err error) {
	if len(msg2) <= 32 {
		return nil, fmt.Errorf("%w: message 2 too short", ErrHandshakeFailed)
	}
	epkB = msg2[:32]
	sig := msg2[32:]
	transcript := append(append([]byte{}, epkA...), epkB...)
	if !peerSig.Verify(transcript, sig) {
		return nil, fmt.Errorf("%w: message 2 signature invalid", ErrHandshakeFailed)
	}
	return epkB, nil
}

// HandshakeMsg3 builds the initiator's final signed message: Sign_A(epkB||epkA).
func HandshakeMsg3(selfSig *keys.SignatureKey, epkA, epkB []byte) ([]byte, error) {
	transcript := append(append([]byte{}, epkB...), epkA...)
	sig, err := selfSig.Sign(transcript)
	if err != nil {
		return nil, fmt.Errorf("sptps: sign handshake message 3: %w", err)
	}
	return sig, nil
}

// VerifyHandshakeMsg3 checks A's signature over epkB||epkA, completing the
// responder's half of mutual authentication. Message 3 itself is never
// acknowledged separately: the first authenticated APPLICATION record
// implicitly confirms key agreement, per spec.md §4.4.
func VerifyHandshakeMsg3(peerSig *keys.SignatureKey, epkA, epkB, sig []byte) error {
	transcript := append(append([]byte{}, epkB...), epkA...)
	if !peerSig.Verify(transcript, sig) {
		return fmt.Errorf("%w: message 3 signature invalid", ErrHandshakeFailed)
	}
	return nil
}

// Package keys implements the node identity and key-agreement primitives of
// the meta-protocol core, the Go translation of the original C core's
// ecdsa_t (Ed25519 signing key) and ecdh_t (X25519 key agreement),
// restructured after the teacher's crypto/keys/ed25519.go and x25519.go.
package keys

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// Size is the on-disk and wire size of a signature key: a 64-byte Ed25519
// private key (32-byte seed || 32-byte public point) when the private half
// is present, or a 32-byte public key alone. The combined raw private
// format used on disk is 96 bytes (64 private + 32 public), matching the
// original core's ecdsa_t{private[64]; public[32]} layout exactly so disk
// files remain byte-compatible.
const (
	PublicKeySize     = ed25519.PublicKeySize  // 32
	PrivateKeySize    = ed25519.PrivateKeySize // 64
	RawPrivateFileLen = PrivateKeySize + PublicKeySize
	base64PublicLen   = 43 // unpadded base64 of 32 raw bytes
	// SignatureSize is the fixed length of an Ed25519 signature, the size of
	// SPTPS handshake message 3 and the signature suffix of message 2.
	SignatureSize = ed25519.SignatureSize // 64
)

var (
	// ErrInvalidPublicKeyLength is returned when a base64-encoded public key
	// does not decode to exactly PublicKeySize bytes, mirroring the original
	// core's "len != 43" / "len != 32" checks in ecdsa_set_base64_public_key.
	ErrInvalidPublicKeyLength = errors.New("keys: invalid public key length")
	// ErrInvalidPrivateKeyLength is returned by LoadPrivateRaw when the
	// supplied blob isn't exactly RawPrivateFileLen bytes.
	ErrInvalidPrivateKeyLength = errors.New("keys: invalid private key file length")
	// ErrNoPrivateKey is returned by Sign when the key only holds a public
	// half.
	ErrNoPrivateKey = errors.New("keys: signature key has no private half")
)

// SignatureKey is a node's long-term Ed25519 identity key. It may hold only
// a public half (for a peer learned from the topology) or both halves (for
// the local node).
type SignatureKey struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey // nil if this is a public-only key
}

// Generate creates a new signature key with both halves present.
func Generate() (*SignatureKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return &SignatureKey{public: pub, private: priv}, nil
}

// LoadPublicBase64 parses a 43-character unpadded base64 public key, the
// format spec.md §4.3 uses on the wire and in the configuration file, and
// the same length the original core's ecdsa_set_base64_public_key rejects
// anything but.
func LoadPublicBase64(s string) (*SignatureKey, error) {
	if len(s) != base64PublicLen {
		return nil, ErrInvalidPublicKeyLength
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keys: decode public key: %w", err)
	}
	if len(raw) != PublicKeySize {
		return nil, ErrInvalidPublicKeyLength
	}
	return &SignatureKey{public: ed25519.PublicKey(raw)}, nil
}

// StorePublicBase64 renders the public half as unpadded base64.
func (k *SignatureKey) StorePublicBase64() string {
	return base64.RawStdEncoding.EncodeToString(k.public)
}

// LoadPublicRaw builds a public-only key from 32 raw bytes.
func LoadPublicRaw(raw []byte) (*SignatureKey, error) {
	if len(raw) != PublicKeySize {
		return nil, ErrInvalidPublicKeyLength
	}
	pub := make(ed25519.PublicKey, PublicKeySize)
	copy(pub, raw)
	return &SignatureKey{public: pub}, nil
}

// LoadPrivateRaw parses the 96-byte on-disk private key file: 64 bytes of
// Ed25519 private key (seed||public) followed by 32 bytes of public key,
// matching ecdsa_read_pem_private_key's raw fread of the whole ecdsa_t
// struct. The trailing 32 bytes are redundant with the last 32 bytes of the
// private half and are checked for consistency rather than trusted blindly.
func LoadPrivateRaw(raw []byte) (*SignatureKey, error) {
	if len(raw) != RawPrivateFileLen {
		return nil, ErrInvalidPrivateKeyLength
	}
	priv := make(ed25519.PrivateKey, PrivateKeySize)
	copy(priv, raw[:PrivateKeySize])
	pub := make(ed25519.PublicKey, PublicKeySize)
	copy(pub, raw[PrivateKeySize:])

	if !bytes.Equal(priv[32:], pub) {
		return nil, fmt.Errorf("keys: private key file corrupt: public suffix mismatch")
	}

	return &SignatureKey{public: pub, private: priv}, nil
}

// StorePrivateRaw renders the 96-byte on-disk private key file. It panics if
// called on a public-only key, since there is no private half to persist;
// callers are expected to have checked HasPrivate first.
func (k *SignatureKey) StorePrivateRaw() []byte {
	if k.private == nil {
		panic("keys: StorePrivateRaw on a public-only key")
	}
	out := make([]byte, 0, RawPrivateFileLen)
	out = append(out, k.private...)
	out = append(out, k.public...)
	return out
}

// PublicRaw returns the raw 32-byte public key.
func (k *SignatureKey) PublicRaw() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, k.public)
	return out
}

// HasPrivate reports whether this key can sign.
func (k *SignatureKey) HasPrivate() bool {
	return k.private != nil
}

// Size returns the wire/disk size of a fully-populated key, 64 bytes,
// matching the original core's ecdsa_size.
func (k *SignatureKey) Size() int {
	return PrivateKeySize
}

// Sign produces an Ed25519 signature over message.
func (k *SignatureKey) Sign(message []byte) ([]byte, error) {
	if k.private == nil {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(k.private, message), nil
}

// Verify checks an Ed25519 signature against message.
func (k *SignatureKey) Verify(message, signature []byte) bool {
	return ed25519.Verify(k.public, message, signature)
}

// EphemeralKey is the per-handshake X25519 key agreement state produced by
// GenerateEphemeral. It is consumed exactly once by ComputeShared, the same
// single-use contract the teacher's X25519KeyPair observes around
// *ecdh.PrivateKey.
type EphemeralKey struct {
	private *ecdh.PrivateKey
}

// GenerateEphemeral creates a fresh X25519 key pair for one handshake.
func GenerateEphemeral() (*EphemeralKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate ephemeral: %w", err)
	}
	return &EphemeralKey{private: priv}, nil
}

// PublicRaw returns the 32-byte Montgomery-form public key to send to the
// peer.
func (e *EphemeralKey) PublicRaw() []byte {
	return e.private.PublicKey().Bytes()
}

// ComputeShared performs the X25519 Diffie-Hellman exchange against the
// peer's 32-byte ephemeral public key, returning the 32-byte raw shared
// secret. It must be called at most once per EphemeralKey.
func (e *EphemeralKey) ComputeShared(peerPublicRaw []byte) ([]byte, error) {
	peerPub, err := ecdh.X25519().NewPublicKey(peerPublicRaw)
	if err != nil {
		return nil, fmt.Errorf("keys: parse peer ephemeral key: %w", err)
	}
	shared, err := e.private.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("keys: ecdh: %w", err)
	}
	return shared, nil
}

// ConvertEd25519PublicToX25519 converts a node's long-term Ed25519 public
// key to its Montgomery-form X25519 equivalent. The SPTPS handshake and the
// REQ_KEY/ANS_KEY exchange use fresh ephemeral keys only and do not call
// it. Grounded on the teacher's
// convertEd25519PubToX25519, which performs the same birational map via
// filippo.io/edwards25519.
func ConvertEd25519PublicToX25519(pub *SignatureKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub.public)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

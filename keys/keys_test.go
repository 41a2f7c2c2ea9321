package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSignAndVerify(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	require.True(t, k.HasPrivate())
	require.Equal(t, 64, k.Size())

	msg := []byte("edge announcement payload")
	sig, err := k.Sign(msg)
	require.NoError(t, err)
	require.True(t, k.Verify(msg, sig))
	require.False(t, k.Verify([]byte("tampered"), sig))
}

func TestPublicBase64RoundTrip(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	b64 := k.StorePublicBase64()
	require.Len(t, b64, base64PublicLen)

	loaded, err := LoadPublicBase64(b64)
	require.NoError(t, err)
	require.Equal(t, k.PublicRaw(), loaded.PublicRaw())
	require.False(t, loaded.HasPrivate())
}

func TestLoadPublicBase64RejectsBadLength(t *testing.T) {
	_, err := LoadPublicBase64("tooshort")
	require.ErrorIs(t, err, ErrInvalidPublicKeyLength)
}

func TestPrivateRawRoundTrip(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	blob := k.StorePrivateRaw()
	require.Len(t, blob, RawPrivateFileLen)

	loaded, err := LoadPrivateRaw(blob)
	require.NoError(t, err)
	require.True(t, loaded.HasPrivate())
	require.Equal(t, k.PublicRaw(), loaded.PublicRaw())

	msg := []byte("ping")
	sig, err := loaded.Sign(msg)
	require.NoError(t, err)
	require.True(t, k.Verify(msg, sig))
}

func TestLoadPrivateRawRejectsBadLength(t *testing.T) {
	_, err := LoadPrivateRaw(make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidPrivateKeyLength)
}

func TestLoadPrivateRawRejectsCorruptSuffix(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	blob := k.StorePrivateRaw()
	blob[len(blob)-1] ^= 0xFF

	_, err = LoadPrivateRaw(blob)
	require.Error(t, err)
}

func TestSignWithPublicOnlyKeyFails(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)
	pub, err := LoadPublicRaw(k.PublicRaw())
	require.NoError(t, err)

	_, err = pub.Sign([]byte("x"))
	require.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestEphemeralECDHAgreement(t *testing.T) {
	a, err := GenerateEphemeral()
	require.NoError(t, err)
	b, err := GenerateEphemeral()
	require.NoError(t, err)

	sharedA, err := a.ComputeShared(b.PublicRaw())
	require.NoError(t, err)
	sharedB, err := b.ComputeShared(a.PublicRaw())
	require.NoError(t, err)

	require.Equal(t, sharedA, sharedB)
	require.Len(t, sharedA, 32)
}

func TestConvertEd25519PublicToX25519(t *testing.T) {
	k, err := Generate()
	require.NoError(t, err)

	x, err := ConvertEd25519PublicToX25519(k)
	require.NoError(t, err)
	require.Len(t, x, 32)
}

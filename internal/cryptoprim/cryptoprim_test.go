package cryptoprim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateEd25519()
	require.NoError(t, err)

	msg := []byte("solconnect handshake payload")
	sig := Sign(priv, msg)
	require.NoError(t, Verify(pub, msg, sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := GenerateEd25519()
	require.NoError(t, err)
	other, _, err := GenerateEd25519()
	require.NoError(t, err)

	msg := []byte("payload")
	sig := Sign(priv, msg)
	require.ErrorIs(t, Verify(other, msg, sig), ErrInvalidSignature)
}

func TestECDHAgreement(t *testing.T) {
	a, err := GenerateX25519()
	require.NoError(t, err)
	b, err := GenerateX25519()
	require.NoError(t, err)

	sharedA, err := ECDH(a.Private, b.Public)
	require.NoError(t, err)
	sharedB, err := ECDH(b.Private, a.Public)
	require.NoError(t, err)

	require.Equal(t, sharedA, sharedB)
}

func TestAESGCMRoundTrip(t *testing.T) {
	key := make([]byte, KeyLen)
	nonceArr := NonceFromCounter(7)
	aad := []byte("header")
	plaintext := []byte("hello bob")

	ct, err := EncryptAESGCM(key, nonceArr[:], aad, plaintext)
	require.NoError(t, err)

	pt, err := DecryptAESGCM(key, nonceArr[:], aad, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestAESGCMAuthFailureOnTamperedAAD(t *testing.T) {
	key := make([]byte, KeyLen)
	nonceArr := NonceFromCounter(1)

	ct, err := EncryptAESGCM(key, nonceArr[:], []byte("aad-a"), []byte("hi"))
	require.NoError(t, err)

	_, err = DecryptAESGCM(key, nonceArr[:], []byte("aad-b"), ct)
	require.ErrorIs(t, err, ErrDecryptAuthFailure)
}

func TestHKDFDeterministic(t *testing.T) {
	secret := []byte("shared-secret-material")
	out1, err := HKDF(secret, make([]byte, 32), []byte("SolConnect-Root-Key"), 32)
	require.NoError(t, err)
	out2, err := HKDF(secret, make([]byte, 32), []byte("SolConnect-Root-Key"), 32)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

package ratchet

import (
	"crypto/ed25519"
	"testing"

	"github.com/solconnect/relay/internal/identity"
	"github.com/stretchr/testify/require"
)

func setupPair(t *testing.T) (store *identity.Store, alice, bob identity.WalletAddress, bobBundle identity.PreKeyBundle) {
	t.Helper()
	store = identity.NewStore(0)

	apub, apriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bpub, bpriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	aw, err := identity.WalletFromPublicKey(apub)
	require.NoError(t, err)
	bw, err := identity.WalletFromPublicKey(bpub)
	require.NoError(t, err)

	store.ImportIdentity(aw, apub, apriv)
	store.ImportIdentity(bw, bpub, bpriv)

	require.NoError(t, store.RotateSignedPreKey(bw))
	_, err = store.AddOneTimePreKeys(bw, 1)
	require.NoError(t, err)

	bundle, err := store.PublishPreKeyBundle(bw)
	require.NoError(t, err)

	return store, aw, bw, bundle
}

func establishPair(t *testing.T, store *identity.Store, alice, bob identity.WalletAddress, bundle identity.PreKeyBundle) (*Session, *Session) {
	t.Helper()

	aliceSession, err := InitSessionInitiator(store, alice, bundle)
	require.NoError(t, err)

	aliceAgreement, err := store.AgreementKeyPair(alice)
	require.NoError(t, err)

	header, ct, err := aliceSession.Encrypt([]byte("hello"))
	require.NoError(t, err)

	bobSession, err := InitSessionResponder(store, bob, alice, aliceAgreement.Public, bundle.SignedPreKeyID, bundle.OneTimePreKeyID, header.DHPublic)
	require.NoError(t, err)

	pt, err := bobSession.Decrypt(header, ct)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))

	return aliceSession, bobSession
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store, alice, bob, bundle := setupPair(t)
	aliceSession, bobSession := establishPair(t, store, alice, bob, bundle)

	require.Equal(t, Established, aliceSession.State())
	require.Equal(t, Established, bobSession.State())

	header, ct, err := aliceSession.Encrypt([]byte("second message"))
	require.NoError(t, err)
	pt, err := bobSession.Decrypt(header, ct)
	require.NoError(t, err)
	require.Equal(t, "second message", string(pt))
}

func TestOutOfOrderDelivery(t *testing.T) {
	store, alice, bob, bundle := setupPair(t)
	aliceSession, bobSession := establishPair(t, store, alice, bob, bundle)

	type frame struct {
		header Header
		ct     []byte
	}
	var frames []frame
	plaintexts := []string{"m0", "m1", "m2"}
	for _, p := range plaintexts {
		h, ct, err := aliceSession.Encrypt([]byte(p))
		require.NoError(t, err)
		frames = append(frames, frame{h, ct})
	}

	// Deliver counter 2 first, then 0, then 1.
	order := []int{2, 0, 1}
	for _, i := range order {
		pt, err := bobSession.Decrypt(frames[i].header, frames[i].ct)
		require.NoError(t, err)
		require.Equal(t, plaintexts[i], string(pt))
	}
}

func TestDuplicateCounterRejected(t *testing.T) {
	store, alice, bob, bundle := setupPair(t)
	aliceSession, bobSession := establishPair(t, store, alice, bob, bundle)

	header, ct, err := aliceSession.Encrypt([]byte("once"))
	require.NoError(t, err)

	_, err = bobSession.Decrypt(header, ct)
	require.NoError(t, err)

	_, err = bobSession.Decrypt(header, ct)
	require.Error(t, err)
}

func TestSkippedKeyMapBounded(t *testing.T) {
	store, alice, bob, bundle := setupPair(t)
	aliceSession, bobSession := establishPair(t, store, alice, bob, bundle)

	const n = DefaultMaxSkippedKeys + 50
	var last Header
	var lastCT []byte
	for i := 0; i < n; i++ {
		h, ct, err := aliceSession.Encrypt([]byte("x"))
		require.NoError(t, err)
		last, lastCT = h, ct
	}

	_, err := bobSession.Decrypt(last, lastCT)
	require.NoError(t, err)
	require.LessOrEqual(t, bobSession.SkippedKeyCount(), DefaultMaxSkippedKeys)
}

func TestEvictedSkippedKeyIsNotAvailable(t *testing.T) {
	store, alice, bob, bundle := setupPair(t)
	aliceSession, bobSession := establishPair(t, store, alice, bob, bundle)

	const n = DefaultMaxSkippedKeys + 50
	var frames []Header
	var cts [][]byte
	for i := 0; i < n; i++ {
		h, ct, err := aliceSession.Encrypt([]byte("x"))
		require.NoError(t, err)
		frames = append(frames, h)
		cts = append(cts, ct)
	}

	// Deliver only the last message: every earlier counter gets stashed
	// as skipped and the earliest ~50 of them are evicted for cap
	// overflow before ever being consumed.
	_, err := bobSession.Decrypt(frames[n-1], cts[n-1])
	require.NoError(t, err)

	_, err = bobSession.Decrypt(frames[0], cts[0])
	require.ErrorIs(t, err, ErrMessageKeyNotAvailable)
}

func TestStaleDHPublicDoesNotCorruptSession(t *testing.T) {
	store, alice, bob, bundle := setupPair(t)

	aliceSession, err := InitSessionInitiator(store, alice, bundle)
	require.NoError(t, err)
	aliceAgreement, err := store.AgreementKeyPair(alice)
	require.NoError(t, err)

	h1, ct1, err := aliceSession.Encrypt([]byte("hello"))
	require.NoError(t, err)
	staleDH := h1.DHPublic // Alice's original session-establishment DH public

	bobSession, err := InitSessionResponder(store, bob, alice, aliceAgreement.Public, bundle.SignedPreKeyID, bundle.OneTimePreKeyID, h1.DHPublic)
	require.NoError(t, err)
	_, err = bobSession.Decrypt(h1, ct1)
	require.NoError(t, err)

	// Bob replies; Alice ratchets onto Bob's chain and generates a fresh
	// sending DH.
	hB, ctB, err := bobSession.Encrypt([]byte("reply"))
	require.NoError(t, err)
	_, err = aliceSession.Decrypt(hB, ctB)
	require.NoError(t, err)

	// Alice sends again using her freshly-ratcheted DH, forcing Bob to
	// ratchet forward and retire staleDH into history.
	h2, ct2, err := aliceSession.Encrypt([]byte("second"))
	require.NoError(t, err)
	require.NotEqual(t, staleDH, h2.DHPublic)
	_, err = bobSession.Decrypt(h2, ct2)
	require.NoError(t, err)

	rootBefore := bobSession.rootKey
	remoteBefore := bobSession.remoteDH

	// A forged late message reusing Alice's now-stale original DH public
	// must not be treated as a fresh chain requiring a re-ratchet.
	_, err = bobSession.Decrypt(Header{DHPublic: staleDH, Counter: 0}, []byte("forged"))
	require.ErrorIs(t, err, ErrMessageKeyNotAvailable)
	require.Equal(t, rootBefore, bobSession.rootKey)
	require.Equal(t, remoteBefore, bobSession.remoteDH)
}

func TestDHRatchetPostCompromise(t *testing.T) {
	store, alice, bob, bundle := setupPair(t)
	aliceSession, bobSession := establishPair(t, store, alice, bob, bundle)

	// Bob replies, triggering a DH ratchet on Alice's receive side.
	h, ct, err := bobSession.Encrypt([]byte("reply"))
	require.NoError(t, err)
	pt, err := aliceSession.Decrypt(h, ct)
	require.NoError(t, err)
	require.Equal(t, "reply", string(pt))

	// Alice's next send, using her freshly-ratcheted sending chain,
	// still round-trips through Bob.
	h2, ct2, err := aliceSession.Encrypt([]byte("after ratchet"))
	require.NoError(t, err)
	pt2, err := bobSession.Decrypt(h2, ct2)
	require.NoError(t, err)
	require.Equal(t, "after ratchet", string(pt2))
}

func TestTerminateZeroizes(t *testing.T) {
	store, alice, bob, bundle := setupPair(t)
	aliceSession, _ := establishPair(t, store, alice, bob, bundle)

	aliceSession.Terminate()
	require.Equal(t, Terminated, aliceSession.State())

	_, _, err := aliceSession.Encrypt([]byte("after terminate"))
	require.ErrorIs(t, err, ErrSessionTerminated)
}

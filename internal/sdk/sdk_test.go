package sdk

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/solconnect/relay/internal/cryptoprim"
	"github.com/solconnect/relay/internal/identity"
	"github.com/solconnect/relay/internal/ratchet"
	"github.com/solconnect/relay/internal/transport"
	"github.com/solconnect/relay/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestHeaderPayloadRoundTrip(t *testing.T) {
	h := ratchet.Header{PreviousCounter: 3, Counter: 7}
	for i := range h.DHPublic {
		h.DHPublic[i] = byte(i)
	}
	ciphertext := []byte("ciphertext bytes go here")

	framed := append(append([]byte{}, h.Canonical()...), ciphertext...)

	gotHeader := headerFromPayload(framed)
	gotCiphertext := payloadFromPayload(framed)

	require.Equal(t, h.DHPublic, gotHeader.DHPublic)
	require.Equal(t, h.PreviousCounter, gotHeader.PreviousCounter)
	require.Equal(t, h.Counter, gotHeader.Counter)
	require.True(t, bytes.Equal(ciphertext, gotCiphertext))
}

func TestDeliveryStatusString(t *testing.T) {
	require.Equal(t, "sent", StatusSent.String())
	require.Equal(t, "queued", StatusQueued.String())
	require.Equal(t, "failed", StatusFailed.String())
}

// startFakeRelay runs just enough of the server handshake to let
// ConnectWallet complete; it does not route messages.
func startFakeRelay(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := transport.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := transport.NewConnection(ws)
		go func() {
			if _, err := conn.ServerHandshake(2 * time.Second); err != nil {
				conn.Close()
				return
			}
			conn.ReadPump(func(wire.Frame) bool { return true })
		}()
		go conn.WritePump()
	}))
}

func TestConnectWalletCompletesHandshake(t *testing.T) {
	srv := startFakeRelay(t)
	defer srv.Close()

	endpoint := "ws" + srv.URL[len("http"):]
	client := Initialize(endpoint, Config{HandshakeTimeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := client.ConnectWallet(ctx)
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, [32]byte(info.Wallet))
}

func TestDispatchChatMessageAcceptsFirstContact(t *testing.T) {
	bobPub, bobPriv, err := cryptoprim.GenerateEd25519()
	require.NoError(t, err)
	bobWallet, err := identity.WalletFromPublicKey(bobPub)
	require.NoError(t, err)

	bobClient := Initialize("ws://unused", Config{})
	bobClient.wallet = bobWallet
	bobClient.priv = bobPriv
	bobClient.store.ImportIdentity(bobWallet, bobPub, bobPriv)
	require.NoError(t, bobClient.store.RotateSignedPreKey(bobWallet))
	_, err = bobClient.store.AddOneTimePreKeys(bobWallet, 1)
	require.NoError(t, err)
	bobBundle, err := bobClient.store.PublishPreKeyBundle(bobWallet)
	require.NoError(t, err)

	alicePub, alicePriv, err := cryptoprim.GenerateEd25519()
	require.NoError(t, err)
	aliceWallet, err := identity.WalletFromPublicKey(alicePub)
	require.NoError(t, err)

	aliceStore := identity.NewStore(0)
	aliceStore.ImportIdentity(aliceWallet, alicePub, alicePriv)

	aliceSession, err := ratchet.InitSessionInitiator(aliceStore, aliceWallet, bobBundle)
	require.NoError(t, err)
	aliceAgreement, err := aliceStore.AgreementKeyPair(aliceWallet)
	require.NoError(t, err)

	header, ciphertext, err := aliceSession.Encrypt([]byte("hello"))
	require.NoError(t, err)

	init := sessionInit{
		InitiatorAgreementPublic: aliceAgreement.Public,
		SignedPreKeyID:           bobBundle.SignedPreKeyID,
	}
	if bobBundle.OneTimePreKeyID != nil {
		init.HasOneTimePreKey = true
		init.OneTimePreKeyID = *bobBundle.OneTimePreKeyID
	}
	payload := append([]byte{1}, init.encode()...)
	payload = append(payload, header.Canonical()...)
	payload = append(payload, ciphertext...)

	msg := &wire.ChatMessage{
		MessageID:        uuid.New(),
		SenderWallet:     aliceWallet,
		RecipientWallet:  bobWallet,
		Timestamp:        time.Now().Unix(),
		EncryptedPayload: payload,
	}

	// No session exists yet for alice's wallet; Bob must run the
	// responder half of X3DH off the session-init block alice attached.
	bobClient.dispatchChatMessage(msg)

	bobClient.mu.Lock()
	require.Len(t, bobClient.sessions, 1)
	var cs *ChatSession
	for _, s := range bobClient.sessions {
		cs = s
	}
	bobClient.mu.Unlock()
	require.NotNil(t, cs)
	require.Equal(t, aliceWallet, cs.peer)

	received := make(chan string, 1)
	cs.Subscribe(func(pt []byte) { received <- string(pt) })

	header2, ct2, err := aliceSession.Encrypt([]byte("second"))
	require.NoError(t, err)
	payload2 := append([]byte{0}, header2.Canonical()...)
	payload2 = append(payload2, ct2...)
	msg2 := &wire.ChatMessage{
		SenderWallet:     aliceWallet,
		RecipientWallet:  bobWallet,
		EncryptedPayload: payload2,
	}
	bobClient.dispatchChatMessage(msg2)

	select {
	case got := <-received:
		require.Equal(t, "second", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second message delivery")
	}
}

func TestDispatchChatMessageDropsFirstContactWithoutInit(t *testing.T) {
	client := Initialize("ws://unused", Config{})
	client.wallet = identity.WalletAddress{1}

	var sender identity.WalletAddress
	sender[0] = 2
	msg := &wire.ChatMessage{
		SenderWallet:     sender,
		RecipientWallet:  client.wallet,
		EncryptedPayload: []byte{0, 1, 2, 3},
	}

	client.dispatchChatMessage(msg)

	require.Len(t, client.sessions, 0)
}

func TestEndSessionRemovesAndTerminates(t *testing.T) {
	srv := startFakeRelay(t)
	defer srv.Close()

	endpoint := "ws" + srv.URL[len("http"):]
	client := Initialize(endpoint, Config{HandshakeTimeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.ConnectWallet(ctx)
	require.NoError(t, err)

	peerPub, peerPriv, err := cryptoprim.GenerateEd25519()
	require.NoError(t, err)
	peerWallet, err := identity.WalletFromPublicKey(peerPub)
	require.NoError(t, err)

	peerStore := identity.NewStore(0)
	peerStore.ImportIdentity(peerWallet, peerPub, peerPriv)
	require.NoError(t, peerStore.RotateSignedPreKey(peerWallet))
	peerBundle, err := peerStore.PublishPreKeyBundle(peerWallet)
	require.NoError(t, err)

	sess, err := ratchet.InitSessionInitiator(client.store, client.wallet, peerBundle)
	require.NoError(t, err)
	cs := &ChatSession{id: uuid.New(), client: client, peer: peerWallet, session: sess}
	client.mu.Lock()
	client.sessions[cs.id] = cs
	client.mu.Unlock()

	require.Len(t, client.sessions, 1)
	client.EndSession(cs.id)
	require.Len(t, client.sessions, 0)
	require.Equal(t, ratchet.Terminated, sess.State())
}

package transport

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/solconnect/relay/internal/cryptoprim"
	"github.com/solconnect/relay/internal/wire"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, onConn func(*Connection)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onConn(NewConnection(ws))
	}))
	u := "ws" + srv.URL[len("http"):]
	return srv, u
}

func TestServerHandshakeSucceedsWithValidSignature(t *testing.T) {
	pub, priv, err := cryptoprim.GenerateEd25519()
	require.NoError(t, err)

	walletCh := make(chan [32]byte, 1)
	errCh := make(chan error, 1)
	srv, addr := startTestServer(t, func(c *Connection) {
		go func() {
			wallet, err := c.ServerHandshake(2 * time.Second)
			errCh <- err
			walletCh <- wallet
		}()
	})
	defer srv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	_, challenge, err := clientConn.ReadMessage()
	require.NoError(t, err)

	var nonce [32]byte
	signed := append(append([]byte{}, challenge...), nonce[:]...)
	sig := cryptoprim.Sign(priv, signed)

	req := &wire.HandshakeRequest{}
	copy(req.Wallet[:], pub)
	req.ClientNonce = nonce
	copy(req.Signature[:], sig)

	body, err := wire.Encode(wire.Frame{Tag: wire.TagHandshakeRequest, HandshakeRequest: req})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.BinaryMessage, body))

	_, respBody, err := clientConn.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.Decode(respBody)
	require.NoError(t, err)
	require.True(t, frame.HandshakeResponse.Accepted)

	require.NoError(t, <-errCh)
	wallet := <-walletCh
	require.True(t, bytes.Equal(wallet[:], pub))
}

func TestServerHandshakeRejectsBadSignature(t *testing.T) {
	pub, _, err := cryptoprim.GenerateEd25519()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	srv, addr := startTestServer(t, func(c *Connection) {
		go func() {
			_, err := c.ServerHandshake(2 * time.Second)
			errCh <- err
		}()
	})
	defer srv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	_, _, err = clientConn.ReadMessage()
	require.NoError(t, err)

	req := &wire.HandshakeRequest{}
	copy(req.Wallet[:], pub)
	for i := range req.Signature {
		req.Signature[i] = 0xAB
	}
	body, err := wire.Encode(wire.Frame{Tag: wire.TagHandshakeRequest, HandshakeRequest: req})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.BinaryMessage, body))

	require.Error(t, <-errCh)
}

func TestServerHandshakeRejectsNonHandshakeFrame(t *testing.T) {
	errCh := make(chan error, 1)
	srv, addr := startTestServer(t, func(c *Connection) {
		go func() {
			_, err := c.ServerHandshake(2 * time.Second)
			errCh <- err
		}()
	})
	defer srv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	_, _, err = clientConn.ReadMessage()
	require.NoError(t, err)

	body, err := wire.Encode(wire.Frame{Tag: wire.TagAck, Ack: &wire.Ack{}})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteMessage(websocket.BinaryMessage, body))

	require.ErrorIs(t, <-errCh, ErrProtocolViolation)
}

func TestHandshakeTimesOutWhenClientSilent(t *testing.T) {
	errCh := make(chan error, 1)
	srv, addr := startTestServer(t, func(c *Connection) {
		go func() {
			_, err := c.ServerHandshake(100 * time.Millisecond)
			errCh <- err
		}()
	})
	defer srv.Close()

	clientConn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not time out")
	}
}

func TestSendFailsWhenBufferFull(t *testing.T) {
	c := &Connection{send: make(chan wire.Frame, 1)}
	require.True(t, c.Send(wire.Frame{Tag: wire.TagAck, Ack: &wire.Ack{}}))
	require.False(t, c.Send(wire.Frame{Tag: wire.TagAck, Ack: &wire.Ack{}}))
}

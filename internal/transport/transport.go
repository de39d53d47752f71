// Package transport implements the Connection Manager (C5): accepting
// inbound WebSocket connections, running the wallet-ownership handshake,
// and giving each connection its own reader/writer pump.
package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/solconnect/relay/internal/identity"
	"github.com/solconnect/relay/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256 // matches the router's bounded outbound channel default

	// DefaultHandshakeTimeout bounds how long an Unauthenticated
	// connection has to complete the handshake before it is closed.
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrHandshakeFailed   = errors.New("transport: handshake failed")
	ErrConnectionLost    = errors.New("transport: connection lost")
)

// ConnState is a connection's authentication lifecycle state.
type ConnState int

const (
	Unauthenticated ConnState = iota
	Authenticated
	Closed
)

// Connection wraps one accepted WebSocket connection. It begins
// Unauthenticated and becomes Authenticated(wallet) after a verified
// handshake; until then it may only send HandshakeRequest frames.
type Connection struct {
	ID    uuid.UUID
	conn  *websocket.Conn
	send  chan wire.Frame

	mu     sync.Mutex
	state  ConnState
	wallet identity.WalletAddress

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps an accepted websocket.Conn.
func NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:     uuid.New(),
		conn:   ws,
		send:   make(chan wire.Frame, sendBufferSize),
		state:  Unauthenticated,
		closed: make(chan struct{}),
	}
}

// State returns the connection's current authentication state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wallet returns the bound wallet once Authenticated.
func (c *Connection) Wallet() (identity.WalletAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Authenticated {
		return identity.WalletAddress{}, false
	}
	return c.wallet, true
}

// Send enqueues a frame for the writer pump. It is non-blocking: if the
// outbound channel is full the send fails immediately rather than
// blocking the caller (the router's backpressure policy, per §5).
func (c *Connection) Send(f wire.Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Close closes the connection exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// ServerHandshake runs the server side of the handshake: send a 32-byte
// challenge, read the client's HandshakeRequest frame, verify its
// signature, and transition to Authenticated on success. Any other
// frame type while Unauthenticated is a ProtocolViolation.
func (c *Connection) ServerHandshake(timeout time.Duration) (identity.WalletAddress, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return identity.WalletAddress{}, err
	}

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, challenge); err != nil {
		return identity.WalletAddress{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return identity.WalletAddress{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	frame, err := wire.Decode(data)
	if err != nil || frame.Tag != wire.TagHandshakeRequest || frame.HandshakeRequest == nil {
		return identity.WalletAddress{}, ErrProtocolViolation
	}
	req := frame.HandshakeRequest

	signed := append(append([]byte{}, challenge...), req.ClientNonce[:]...)
	if !ed25519.Verify(req.Wallet[:], signed, req.Signature[:]) {
		return identity.WalletAddress{}, fmt.Errorf("%w: invalid signature", ErrHandshakeFailed)
	}

	wallet := identity.WalletAddress(req.Wallet)

	resp := wire.Frame{Tag: wire.TagHandshakeResponse, HandshakeResponse: &wire.HandshakeResponse{Accepted: true}}
	body, err := wire.Encode(resp)
	if err != nil {
		return identity.WalletAddress{}, err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		return identity.WalletAddress{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	c.state = Authenticated
	c.wallet = wallet
	c.mu.Unlock()

	c.conn.SetReadDeadline(time.Time{})
	return wallet, nil
}

// ReadPump reads frames from the connection and invokes onFrame for
// each. It runs until the connection closes or onFrame returns false.
// Grounded on the reader-pump idiom: single-threaded per connection,
// pong-based liveness. No rate limit is applied to inbound frames.
func (c *Connection) ReadPump(onFrame func(wire.Frame) bool) {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			log.Printf("[TRANSPORT] malformed frame from %s: %v", c.ID, err)
			return
		}
		if !onFrame(frame) {
			return
		}
	}
}

// WritePump drains the outbound channel and writes frames to the
// connection, sending periodic pings for liveness.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			body, err := wire.Encode(frame)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Upgrader wraps websocket.Upgrader with the relay's default buffer
// sizing. CheckOrigin is left unset, so gorilla/websocket's default
// same-origin check applies.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

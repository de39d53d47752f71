// Package sdk implements the Client SDK Facade (C9): the small API a
// client application uses to connect to a relay, establish sessions
// with peers, and send and receive messages, without touching the wire
// codec or session protocol directly.
package sdk

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/solconnect/relay/internal/cryptoprim"
	"github.com/solconnect/relay/internal/identity"
	"github.com/solconnect/relay/internal/ratchet"
	"github.com/solconnect/relay/internal/wire"
)

// DeliveryStatus is the outcome of a SendMessage call as reported by the
// relay's Ack.
type DeliveryStatus int

const (
	StatusSent DeliveryStatus = iota
	StatusQueued
	StatusFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusQueued:
		return "queued"
	default:
		return "failed"
	}
}

// DeliveryReceipt reports how a sent message was handled.
type DeliveryReceipt struct {
	MessageID uuid.UUID
	Status    DeliveryStatus
	Timestamp time.Time
}

// WalletInfo identifies the locally held wallet once connected.
type WalletInfo struct {
	Wallet identity.WalletAddress
}

// Config configures a Client's connection to a relay instance.
type Config struct {
	RelayEndpoint string // e.g. wss://relay.example.com/ws
	HandshakeTimeout time.Duration
}

// Client is the top-level SDK facade: one per wallet, one relay
// connection, many concurrent sessions.
type Client struct {
	cfg    Config
	wallet identity.WalletAddress
	priv   ed25519.PrivateKey
	store  *identity.Store

	conn *websocket.Conn

	mu       sync.Mutex
	sessions map[uuid.UUID]*ChatSession
	pending  map[uuid.UUID]chan wire.Ack
}

// Initialize constructs a Client bound to relayEndpoint; it does not
// connect until ConnectWallet is called.
func Initialize(relayEndpoint string, cfg Config) *Client {
	cfg.RelayEndpoint = relayEndpoint
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		store:    identity.NewStore(0),
		sessions: make(map[uuid.UUID]*ChatSession),
		pending:  make(map[uuid.UUID]chan wire.Ack),
	}
}

// ConnectWallet generates a new wallet identity key, dials the relay,
// and completes the connection handshake. Every call generates a fresh
// key; a key from an earlier call is not reused.
func (c *Client) ConnectWallet(ctx context.Context) (WalletInfo, error) {
	pub, priv, err := cryptoprim.GenerateEd25519()
	if err != nil {
		return WalletInfo{}, err
	}
	wallet, err := identity.WalletFromPublicKey(pub)
	if err != nil {
		return WalletInfo{}, err
	}
	c.store.ImportIdentity(wallet, pub, priv)
	c.wallet = wallet
	c.priv = priv

	u, err := url.Parse(c.cfg.RelayEndpoint)
	if err != nil {
		return WalletInfo{}, fmt.Errorf("parse relay endpoint: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return WalletInfo{}, fmt.Errorf("dial relay: %w", err)
	}
	c.conn = conn

	if err := c.clientHandshake(); err != nil {
		conn.Close()
		return WalletInfo{}, err
	}

	go c.readLoop()
	return WalletInfo{Wallet: wallet}, nil
}

func (c *Client) clientHandshake() error {
	_, challenge, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	signed := append(append([]byte{}, challenge...), nonce...)
	sig := cryptoprim.Sign(c.priv, signed)

	req := &wire.HandshakeRequest{Wallet: c.wallet}
	copy(req.ClientNonce[:], nonce)
	copy(req.Signature[:], sig)

	body, err := wire.Encode(wire.Frame{Tag: wire.TagHandshakeRequest, HandshakeRequest: req})
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		return fmt.Errorf("send handshake request: %w", err)
	}

	_, respBody, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	frame, err := wire.Decode(respBody)
	if err != nil || frame.Tag != wire.TagHandshakeResponse || frame.HandshakeResponse == nil {
		return fmt.Errorf("malformed handshake response")
	}
	if !frame.HandshakeResponse.Accepted {
		return fmt.Errorf("handshake rejected by relay")
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			continue
		}
		switch frame.Tag {
		case wire.TagChatMessage:
			c.dispatchChatMessage(frame.ChatMessage)
		case wire.TagAck:
			c.dispatchAck(frame.Ack)
		case wire.TagControlMessage:
			c.dispatchControlMessage(frame.ControlMessage)
		}
	}
}

func (c *Client) dispatchAck(a *wire.Ack) {
	c.mu.Lock()
	ch, ok := c.pending[a.RefMessageID]
	if ok {
		delete(c.pending, a.RefMessageID)
	}
	c.mu.Unlock()
	if ok {
		ch <- *a
	}
}

func (c *Client) sessionForWallet(wallet identity.WalletAddress) (*ChatSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.peer == wallet {
			return s, true
		}
	}
	return nil, false
}

func (c *Client) dispatchChatMessage(m *wire.ChatMessage) {
	sender := identity.WalletAddress(m.SenderWallet)

	init, rest, err := splitEnvelope(m.EncryptedPayload)
	if err != nil {
		return
	}

	sess, ok := c.sessionForWallet(sender)
	if !ok {
		if init == nil {
			// First contact from a peer who never sent a session-init
			// block: we have no X3DH parameters to respond with.
			return
		}
		sess, err = c.acceptIncomingSession(sender, *init, rest)
		if err != nil {
			return
		}
	}

	plaintext, err := sess.decryptFramed(rest)
	if err != nil {
		return
	}
	sess.deliver(plaintext)
}

// acceptIncomingSession runs the responder half of X3DH against the
// session-init parameters carried on a peer's first ChatMessage,
// establishing and registering a new ChatSession.
func (c *Client) acceptIncomingSession(sender identity.WalletAddress, init sessionInit, rest []byte) (*ChatSession, error) {
	header := headerFromPayload(rest)

	var otkID *uint32
	if init.HasOneTimePreKey {
		id := init.OneTimePreKeyID
		otkID = &id
	}

	sess, err := ratchet.InitSessionResponder(c.store, c.wallet, sender, init.InitiatorAgreementPublic, init.SignedPreKeyID, otkID, header.DHPublic)
	if err != nil {
		return nil, fmt.Errorf("accept incoming session from %s: %w", sender, err)
	}

	cs := &ChatSession{
		id:      uuid.New(),
		client:  c,
		peer:    sender,
		session: sess,
	}
	c.mu.Lock()
	c.sessions[cs.id] = cs
	c.mu.Unlock()
	return cs, nil
}

func (c *Client) dispatchControlMessage(m *wire.ControlMessage) {
	sess, ok := c.sessionForWallet(identity.WalletAddress(m.SenderWallet))
	if !ok {
		return
	}
	sess.deliverControl(m)
}

// StartSession establishes a new end-to-end encrypted session with peer
// by running X3DH against peerBundle. It does not fetch the bundle
// itself; the caller passes in peer's published prekey bundle.
func (c *Client) StartSession(peer identity.WalletAddress, peerBundle identity.PreKeyBundle) (*ChatSession, error) {
	sess, err := ratchet.InitSessionInitiator(c.store, c.wallet, peerBundle)
	if err != nil {
		return nil, err
	}

	localAgreement, err := c.store.AgreementKeyPair(c.wallet)
	if err != nil {
		return nil, err
	}
	init := &sessionInit{
		InitiatorAgreementPublic: localAgreement.Public,
		SignedPreKeyID:           peerBundle.SignedPreKeyID,
	}
	if peerBundle.OneTimePreKeyID != nil {
		init.HasOneTimePreKey = true
		init.OneTimePreKeyID = *peerBundle.OneTimePreKeyID
	}

	cs := &ChatSession{
		id:          uuid.New(),
		client:      c,
		peer:        peer,
		session:     sess,
		pendingInit: init,
	}
	c.mu.Lock()
	c.sessions[cs.id] = cs
	c.mu.Unlock()
	return cs, nil
}

// EndSession terminates and forgets a session, zeroizing its ratchet
// state.
func (c *Client) EndSession(sessionID uuid.UUID) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if ok {
		sess.session.Terminate()
	}
}

// ChatSession wraps one established ratchet.Session with the wire-level
// send/receive plumbing.
type ChatSession struct {
	id      uuid.UUID
	client  *Client
	peer    identity.WalletAddress
	session *ratchet.Session

	mu          sync.Mutex
	handler     func([]byte)
	ctrlHandler func(*wire.ControlMessage)

	// pendingInit, when non-nil, is the X3DH session-init block this
	// session's initiator still owes its peer; it rides along on the
	// first outbound SendMessage and is cleared after.
	pendingInit *sessionInit
}

// ID returns the session's local identifier.
func (s *ChatSession) ID() uuid.UUID { return s.id }

// Subscribe registers handler to receive decrypted inbound plaintexts.
// Subscription is active for the lifetime of the session.
func (s *ChatSession) Subscribe(handler func(plaintext []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// SubscribeControl registers a handler for inbound opaque control
// messages (typing, read receipts, reactions) from this peer.
func (s *ChatSession) SubscribeControl(handler func(*wire.ControlMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrlHandler = handler
}

func (s *ChatSession) deliver(plaintext []byte) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(plaintext)
	}
}

func (s *ChatSession) deliverControl(m *wire.ControlMessage) {
	s.mu.Lock()
	h := s.ctrlHandler
	s.mu.Unlock()
	if h != nil {
		h(m)
	}
}

func (s *ChatSession) decryptFramed(rest []byte) ([]byte, error) {
	return s.session.Decrypt(headerFromPayload(rest), payloadFromPayload(rest))
}

// headerFromPayload and payloadFromPayload split a framed ratchet
// payload (an EncryptedPayload with its leading session-init envelope
// byte, and session-init block if present, already stripped by
// splitEnvelope) into its ratchet.Header prefix and AES-GCM ciphertext.
// The session protocol's header travels inside the signed ChatMessage
// envelope rather than as separate wire fields, so the SDK is
// responsible for framing it.
func headerFromPayload(payload []byte) ratchet.Header {
	var h ratchet.Header
	if len(h.Canonical()) > len(payload) {
		return h
	}
	n := len(h.Canonical())
	copy(h.DHPublic[:], payload[0:32])
	h.PreviousCounter = beUint32(payload[32:36])
	h.Counter = beUint32(payload[36:n])
	return h
}

func payloadFromPayload(payload []byte) []byte {
	var h ratchet.Header
	n := len(h.Canonical())
	if len(payload) < n {
		return nil
	}
	return payload[n:]
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// sessionInit carries the X3DH parameters an initiator's peer needs to
// run InitSessionResponder: which of the peer's published prekeys the
// initiator consumed, plus the initiator's own agreement key. It rides
// on the first EncryptedPayload of a session, ahead of the ratchet
// header, since wire.ChatMessage itself carries no session-protocol
// metadata.
type sessionInit struct {
	InitiatorAgreementPublic [32]byte
	SignedPreKeyID           uint32
	HasOneTimePreKey         bool
	OneTimePreKeyID          uint32
}

const sessionInitEncodedLen = 32 + 4 + 1

func (si sessionInit) encode() []byte {
	buf := make([]byte, 0, sessionInitEncodedLen+4)
	buf = append(buf, si.InitiatorAgreementPublic[:]...)
	buf = append(buf, putUint32(si.SignedPreKeyID)...)
	if si.HasOneTimePreKey {
		buf = append(buf, 1)
		buf = append(buf, putUint32(si.OneTimePreKeyID)...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeSessionInit(b []byte) (sessionInit, []byte, error) {
	if len(b) < sessionInitEncodedLen {
		return sessionInit{}, nil, fmt.Errorf("sdk: truncated session-init block")
	}
	var si sessionInit
	copy(si.InitiatorAgreementPublic[:], b[0:32])
	si.SignedPreKeyID = beUint32(b[32:36])
	rest := b[37:]
	if b[36] == 1 {
		if len(rest) < 4 {
			return sessionInit{}, nil, fmt.Errorf("sdk: truncated session-init one-time-prekey id")
		}
		si.HasOneTimePreKey = true
		si.OneTimePreKeyID = beUint32(rest[0:4])
		rest = rest[4:]
	}
	return si, rest, nil
}

// splitEnvelope peels the leading session-init flag (and block, if
// present) off a ChatMessage's EncryptedPayload, returning the
// remaining ratchet header + ciphertext bytes. init is non-nil only on
// a session's first message.
func splitEnvelope(payload []byte) (*sessionInit, []byte, error) {
	if len(payload) < 1 {
		return nil, nil, fmt.Errorf("sdk: empty encrypted payload")
	}
	if payload[0] == 0 {
		return nil, payload[1:], nil
	}
	init, rest, err := decodeSessionInit(payload[1:])
	if err != nil {
		return nil, nil, err
	}
	return &init, rest, nil
}

// SendMessage encrypts plaintext under the session's ratchet and sends
// it as a ChatMessage, blocking until the relay's Ack arrives or ctx is
// done.
func (s *ChatSession) SendMessage(ctx context.Context, plaintext []byte, ttl time.Duration) (DeliveryReceipt, error) {
	header, ciphertext, err := s.session.Encrypt(plaintext)
	if err != nil {
		return DeliveryReceipt{}, err
	}

	s.mu.Lock()
	init := s.pendingInit
	s.pendingInit = nil
	s.mu.Unlock()

	var payload []byte
	if init != nil {
		payload = append([]byte{1}, init.encode()...)
	} else {
		payload = []byte{0}
	}
	payload = append(payload, header.Canonical()...)
	payload = append(payload, ciphertext...)

	msg := &wire.ChatMessage{
		MessageID:        uuid.New(),
		SenderWallet:     s.client.wallet,
		RecipientWallet:  s.peer,
		Timestamp:        time.Now().Unix(),
		EncryptedPayload: payload,
		TTLSeconds:       uint32(ttl.Seconds()),
	}
	sig := cryptoprim.Sign(s.client.priv, wire.EncodeChatMessageSignable(msg))
	copy(msg.Signature[:], sig)

	ackCh := make(chan wire.Ack, 1)
	s.client.mu.Lock()
	s.client.pending[msg.MessageID] = ackCh
	s.client.mu.Unlock()

	body, err := wire.Encode(wire.Frame{Tag: wire.TagChatMessage, ChatMessage: msg})
	if err != nil {
		return DeliveryReceipt{}, err
	}
	if err := s.client.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		return DeliveryReceipt{}, fmt.Errorf("send chat message: %w", err)
	}

	select {
	case ack := <-ackCh:
		receipt := DeliveryReceipt{MessageID: msg.MessageID, Timestamp: time.Now()}
		switch ack.Status {
		case wire.AckDelivered, wire.AckSent:
			receipt.Status = StatusSent
		case wire.AckQueued:
			receipt.Status = StatusQueued
		default:
			receipt.Status = StatusFailed
		}
		return receipt, nil
	case <-ctx.Done():
		return DeliveryReceipt{MessageID: msg.MessageID, Status: StatusFailed}, ctx.Err()
	}
}

// SendControl sends an opaque control payload (typing indicator, read
// receipt, reaction) to the peer without involving the ratchet; control
// messages are not end-to-end encrypted by the SDK, matching their
// pass-through treatment on the relay.
func (s *ChatSession) SendControl(kind string, payload []byte) error {
	msg := &wire.ControlMessage{
		ControlID:       uuid.New(),
		SenderWallet:    s.client.wallet,
		RecipientWallet: s.peer,
		Kind:            kind,
		Payload:         payload,
	}
	body, err := wire.Encode(wire.Frame{Tag: wire.TagControlMessage, ControlMessage: msg})
	if err != nil {
		return err
	}
	return s.client.conn.WriteMessage(websocket.BinaryMessage, body)
}

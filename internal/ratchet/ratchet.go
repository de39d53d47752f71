// Package ratchet implements the Session Protocol (C4): an X3DH-style
// initial key agreement followed by a Double Ratchet with out-of-order
// tolerance. This is the hardest subsystem in the relay: correctness of
// the chain/DH ratchet and the skipped-message-key bookkeeping is what
// gives the whole system forward secrecy and post-compromise security.
package ratchet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/solconnect/relay/internal/cryptoprim"
	"github.com/solconnect/relay/internal/identity"
)

// Domain-separation constants, fixed ASCII per the wire contract.
const (
	RootKeyInfo    = "SolConnect-Root-Key"
	SessionKeyInfo = "SolConnect-Session-Key"
)

// Chain-advancement constants for the symmetric-key ratchet.
const (
	chainMessageKeyByte = 0x01
	chainNextKeyByte    = 0x02
)

// DefaultMaxSkippedKeys bounds the skipped-message-keys map.
const DefaultMaxSkippedKeys = 1000

// State is the session's position in its lifecycle.
type State int

const (
	Uninitialized State = iota
	Initiating
	Established
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initiating:
		return "Initiating"
	case Established:
		return "Established"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

var (
	ErrBundleInvalid         = errors.New("ratchet: bundle invalid")
	ErrSessionHandshakeFail  = errors.New("ratchet: session handshake failed")
	ErrSessionTerminated     = errors.New("ratchet: session terminated")
	ErrDuplicateCounter      = errors.New("ratchet: duplicate counter")
	ErrMessageKeyNotAvailable = errors.New("ratchet: message key not available")
	ErrNotEstablished        = errors.New("ratchet: session not established")
)

// Header is carried in clear alongside every ciphertext and authenticated
// as associated data.
type Header struct {
	DHPublic        [32]byte
	PreviousCounter uint32
	Counter         uint32
}

// Canonical returns the fixed byte layout of the header, used both as
// AAD and, for the first message of a session, as part of the signed
// envelope.
func (h Header) Canonical() []byte {
	buf := make([]byte, 32+4+4)
	copy(buf[0:32], h.DHPublic[:])
	binary.BigEndian.PutUint32(buf[32:36], h.PreviousCounter)
	binary.BigEndian.PutUint32(buf[36:40], h.Counter)
	return buf
}

type skippedKey struct {
	dhPublic [32]byte
	counter  uint32
}

type skippedEntry struct {
	key       skippedKey
	messageKey [32]byte
	insertedAt time.Time
}

// skippedStore is a bounded FIFO map keyed by (dh_public, counter).
type skippedStore struct {
	cap     int
	order   []skippedKey
	entries map[skippedKey]*skippedEntry

	evictedOrder []skippedKey
	evicted      map[skippedKey]struct{}
}

func newSkippedStore(cap int) *skippedStore {
	if cap <= 0 {
		cap = DefaultMaxSkippedKeys
	}
	return &skippedStore{
		cap:     cap,
		entries: make(map[skippedKey]*skippedEntry),
		evicted: make(map[skippedKey]struct{}),
	}
}

func (s *skippedStore) put(k skippedKey, mk [32]byte) {
	if _, exists := s.entries[k]; exists {
		return
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.entries[oldest]; ok {
			cryptoprim.Zero(old.messageKey[:])
			delete(s.entries, oldest)
		}
		s.rememberEvicted(oldest)
	}
	s.order = append(s.order, k)
	s.entries[k] = &skippedEntry{key: k, messageKey: mk, insertedAt: time.Now()}
}

func (s *skippedStore) take(k skippedKey) ([32]byte, bool) {
	e, ok := s.entries[k]
	if !ok {
		return [32]byte{}, false
	}
	mk := e.messageKey
	delete(s.entries, k)
	for i, ok2 := range s.order {
		if ok2 == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	cryptoprim.Zero(e.messageKey[:])
	return mk, true
}

func (s *skippedStore) len() int { return len(s.entries) }

// rememberEvicted records that k was stashed and then dropped for cap
// overflow, never consumed, so a later decrypt attempt for it can be
// told apart from an ordinary already-consumed duplicate. The eviction
// record is itself FIFO-bounded by the same cap so this stays O(cap).
func (s *skippedStore) rememberEvicted(k skippedKey) {
	if _, ok := s.evicted[k]; ok {
		return
	}
	if len(s.evictedOrder) >= s.cap {
		oldest := s.evictedOrder[0]
		s.evictedOrder = s.evictedOrder[1:]
		delete(s.evicted, oldest)
	}
	s.evictedOrder = append(s.evictedOrder, k)
	s.evicted[k] = struct{}{}
}

// wasEvicted reports whether k was stashed and then evicted for cap
// overflow (as opposed to never having been skipped at all).
func (s *skippedStore) wasEvicted(k skippedKey) bool {
	_, ok := s.evicted[k]
	return ok
}

// maxRememberedRemoteDH bounds dhHistory the same way DefaultMaxSkippedKeys
// bounds skippedStore: it only needs to hold one entry per DH-ratchet step,
// not per message, so this is generous.
const maxRememberedRemoteDH = 256

// dhHistory remembers every remote DH public a session has ever ratcheted
// through, so Decrypt can tell a stale (already-ratcheted-away-from) DH
// public apart from a genuinely new one requiring a fresh DH ratchet.
type dhHistory struct {
	order [][32]byte
	seen  map[[32]byte]struct{}
}

func newDHHistory() *dhHistory {
	return &dhHistory{seen: make(map[[32]byte]struct{})}
}

func (h *dhHistory) remember(pub [32]byte) {
	if _, ok := h.seen[pub]; ok {
		return
	}
	if len(h.order) >= maxRememberedRemoteDH {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.seen, oldest)
	}
	h.order = append(h.order, pub)
	h.seen[pub] = struct{}{}
}

func (h *dhHistory) has(pub [32]byte) bool {
	_, ok := h.seen[pub]
	return ok
}

// Session is per ordered pair (local wallet, remote wallet).
type Session struct {
	mu sync.Mutex

	SessionID [32]byte
	state     State

	rootKey           [32]byte
	sendingChainKey   [32]byte
	haveSendingChain  bool
	receivingChainKey [32]byte
	haveReceivingChain bool

	sendingDH    cryptoprim.X25519KeyPair
	remoteDH     [32]byte
	haveRemoteDH bool

	sendCounter     uint32
	recvCounter     uint32
	previousCounter uint32

	skipped   *skippedStore
	dhHistory *dhHistory

	localWallet  identity.WalletAddress
	remoteWallet identity.WalletAddress
	isInitiator  bool
}

// DeriveSessionID computes the deterministic session identifier for an
// ordered pair of wallets via HKDF-SHA256(info=SessionKeyInfo).
func DeriveSessionID(a, b identity.WalletAddress) ([32]byte, error) {
	var out [32]byte
	lo, hi := a, b
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}
	secret := make([]byte, 0, 64)
	secret = append(secret, lo[:]...)
	secret = append(secret, hi[:]...)
	derived, err := cryptoprim.HKDF(secret, make([]byte, 32), []byte(SessionKeyInfo), 32)
	if err != nil {
		return out, err
	}
	copy(out[:], derived)
	return out, nil
}

// kdfRK runs the root-key KDF: HKDF-SHA256(salt=rootKey, ikm=dhOut,
// info=RootKeyInfo) expanded to 64 bytes, split into (new root key, new
// chain key).
func kdfRK(rootKey [32]byte, dhOut []byte) (newRoot [32]byte, chainKey [32]byte, err error) {
	out, err := cryptoprim.HKDF(dhOut, rootKey[:], []byte(RootKeyInfo), 64)
	if err != nil {
		return newRoot, chainKey, err
	}
	copy(newRoot[:], out[:32])
	copy(chainKey[:], out[32:64])
	return newRoot, chainKey, nil
}

// advanceChain derives the next chain key and the message key for the
// current chain key, per the symmetric-key ratchet.
func advanceChain(chainKey [32]byte) (nextChainKey [32]byte, messageKey [32]byte) {
	mac1 := hmac.New(sha256.New, chainKey[:])
	mac1.Write([]byte{chainMessageKeyByte})
	copy(messageKey[:], mac1.Sum(nil))

	mac2 := hmac.New(sha256.New, chainKey[:])
	mac2.Write([]byte{chainNextKeyByte})
	copy(nextChainKey[:], mac2.Sum(nil))
	return nextChainKey, messageKey
}

// InitSessionInitiator establishes a session as the initiator, given the
// responder's published PreKeyBundle. On success the returned session is
// Established and ready to encrypt.
func InitSessionInitiator(store *identity.Store, local identity.WalletAddress, bundle identity.PreKeyBundle) (*Session, error) {
	if err := store.VerifyBundle(bundle); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBundleInvalid, err)
	}

	localIK, err := store.AgreementKeyPair(local)
	if err != nil {
		return nil, err
	}
	ephemeral, err := cryptoprim.GenerateX25519()
	if err != nil {
		return nil, err
	}
	defer cryptoprim.Zero(ephemeral.Private[:])

	dh1, err := cryptoprim.ECDH(localIK.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: dh1: %w", ErrSessionHandshakeFail, err)
	}
	dh2, err := cryptoprim.ECDH(ephemeral.Private, [32]byte(bundle.IdentityAgreementPublic))
	if err != nil {
		return nil, fmt.Errorf("%w: dh2: %w", ErrSessionHandshakeFail, err)
	}
	dh3, err := cryptoprim.ECDH(ephemeral.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: dh3: %w", ErrSessionHandshakeFail, err)
	}
	secretMaterial := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	defer cryptoprim.Zero(secretMaterial)

	if bundle.OneTimePreKeyPublic != nil {
		dh4, err := cryptoprim.ECDH(ephemeral.Private, *bundle.OneTimePreKeyPublic)
		if err != nil {
			return nil, fmt.Errorf("%w: dh4: %w", ErrSessionHandshakeFail, err)
		}
		secretMaterial = append(secretMaterial, dh4...)
		defer cryptoprim.Zero(dh4)
	}

	sk, err := cryptoprim.HKDF(secretMaterial, make([]byte, 32), []byte(RootKeyInfo), 32)
	if err != nil {
		return nil, err
	}

	sid, err := DeriveSessionID(local, bundle.Wallet)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		SessionID:    sid,
		state:        Initiating,
		sendingDH:    ephemeral,
		localWallet:  local,
		remoteWallet: bundle.Wallet,
		isInitiator:  true,
		skipped:      newSkippedStore(DefaultMaxSkippedKeys),
		dhHistory:    newDHHistory(),
	}
	copy(sess.rootKey[:], sk)
	cryptoprim.Zero(sk)

	// Bootstrap the sending chain against the responder's signed prekey,
	// exactly as a subsequent DH-ratchet step would, so the first
	// message can be encrypted immediately.
	dhBoot, err := cryptoprim.ECDH(sess.sendingDH.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return nil, err
	}
	newRoot, sendChain, err := kdfRK(sess.rootKey, dhBoot)
	cryptoprim.Zero(dhBoot)
	if err != nil {
		return nil, err
	}
	sess.rootKey = newRoot
	sess.sendingChainKey = sendChain
	sess.haveSendingChain = true
	sess.remoteDH = bundle.SignedPreKeyPublic
	sess.haveRemoteDH = true
	sess.dhHistory.remember(bundle.SignedPreKeyPublic)

	return sess, nil
}

// InitSessionResponder establishes a session as the responder, given the
// first inbound Header (carrying the initiator's ephemeral public) and
// the signed-prekey/one-time-prekey generations it references.
func InitSessionResponder(
	store *identity.Store,
	local identity.WalletAddress,
	remote identity.WalletAddress,
	remoteIdentityAgreementPublic [32]byte,
	signedPreKeyID uint32,
	oneTimePreKeyID *uint32,
	initiatorEphemeral [32]byte,
) (*Session, error) {
	ownIK, err := store.AgreementKeyPair(local)
	if err != nil {
		return nil, err
	}
	spkPriv, err := store.SignedPreKeyPrivate(local, signedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionHandshakeFail, err)
	}

	dh1, err := cryptoprim.ECDH(*spkPriv, [32]byte(remoteIdentityAgreementPublic))
	if err != nil {
		return nil, fmt.Errorf("%w: dh1: %w", ErrSessionHandshakeFail, err)
	}
	dh2, err := cryptoprim.ECDH(ownIK.Private, initiatorEphemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: dh2: %w", ErrSessionHandshakeFail, err)
	}
	dh3, err := cryptoprim.ECDH(*spkPriv, initiatorEphemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: dh3: %w", ErrSessionHandshakeFail, err)
	}
	secretMaterial := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	defer cryptoprim.Zero(secretMaterial)

	var otkPriv *[32]byte
	if oneTimePreKeyID != nil {
		otkPriv, err = store.ConsumeOneTimePreKey(local, *oneTimePreKeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionHandshakeFail, err)
		}
		dh4, err := cryptoprim.ECDH(*otkPriv, initiatorEphemeral)
		if err != nil {
			return nil, fmt.Errorf("%w: dh4: %w", ErrSessionHandshakeFail, err)
		}
		secretMaterial = append(secretMaterial, dh4...)
		defer cryptoprim.Zero(dh4)
	}

	sk, err := cryptoprim.HKDF(secretMaterial, make([]byte, 32), []byte(RootKeyInfo), 32)
	if err != nil {
		return nil, err
	}

	sid, err := DeriveSessionID(local, remote)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		SessionID:    sid,
		state:        Initiating,
		sendingDH:    cryptoprim.X25519KeyPair{Private: *spkPriv},
		localWallet:  local,
		remoteWallet: remote,
		isInitiator:  false,
		skipped:      newSkippedStore(DefaultMaxSkippedKeys),
		dhHistory:    newDHHistory(),
	}
	pub, err := cryptoprim.PublicFromPrivate(sess.sendingDH.Private)
	if err != nil {
		return nil, err
	}
	sess.sendingDH.Public = pub
	copy(sess.rootKey[:], sk)
	cryptoprim.Zero(sk)

	// no remote DH known yet; the first dhRatchet call (triggered by
	// decrypting the inbound message) will set it.
	return sess, nil
}

// dhRatchet performs the receive-triggered DH ratchet: mirror DH against
// the old sending keypair to derive the receiving chain, then generate a
// fresh sending keypair to prepare the next sending chain.
func (s *Session) dhRatchet(newRemote [32]byte) error {
	if s.haveRemoteDH {
		s.dhHistory.remember(s.remoteDH)
	}

	dhOut1, err := cryptoprim.ECDH(s.sendingDH.Private, newRemote)
	if err != nil {
		return err
	}
	newRoot1, recvChain, err := kdfRK(s.rootKey, dhOut1)
	cryptoprim.Zero(dhOut1)
	if err != nil {
		return err
	}

	s.previousCounter = s.sendCounter
	s.sendCounter = 0
	s.recvCounter = 0
	s.rootKey = newRoot1
	s.receivingChainKey = recvChain
	s.haveReceivingChain = true
	s.remoteDH = newRemote
	s.haveRemoteDH = true
	s.dhHistory.remember(newRemote)

	freshDH, err := cryptoprim.GenerateX25519()
	if err != nil {
		return err
	}
	dhOut2, err := cryptoprim.ECDH(freshDH.Private, newRemote)
	if err != nil {
		return err
	}
	newRoot2, sendChain, err := kdfRK(s.rootKey, dhOut2)
	cryptoprim.Zero(dhOut2)
	if err != nil {
		return err
	}
	s.rootKey = newRoot2
	s.sendingChainKey = sendChain
	s.haveSendingChain = true
	s.sendingDH = freshDH
	return nil
}

// Encrypt advances the sending chain, derives a message key, and
// AES-256-GCM-encrypts plaintext with the canonical header as AAD.
// Callable on an Initiating or Established session that has a sending
// chain; the first successful call moves an Initiating session to
// Established.
func (s *Session) Encrypt(plaintext []byte) (Header, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminated {
		return Header{}, nil, ErrSessionTerminated
	}
	if s.state != Established && s.state != Initiating {
		return Header{}, nil, ErrNotEstablished
	}
	if !s.haveSendingChain {
		return Header{}, nil, ErrNotEstablished
	}

	nextChain, messageKey := advanceChain(s.sendingChainKey)
	defer cryptoprim.Zero(messageKey[:])
	s.sendingChainKey = nextChain

	header := Header{
		DHPublic:        s.sendingDH.Public,
		PreviousCounter: s.previousCounter,
		Counter:         s.sendCounter,
	}
	s.sendCounter++

	nonce := cryptoprim.NonceFromCounter(header.Counter)
	ciphertext, err := cryptoprim.EncryptAESGCM(messageKey[:], nonce[:], header.Canonical(), plaintext)
	if err != nil {
		return Header{}, nil, err
	}
	if s.state == Initiating {
		s.state = Established
	}
	return header, ciphertext, nil
}

// Decrypt processes an inbound header+ciphertext. It runs the DH ratchet
// if the header's DH public differs from the stored remote, handles
// out-of-order delivery by stashing skipped message keys, and fails with
// DuplicateCounter/MessageKeyNotAvailable per the replay-resistance
// guarantee.
func (s *Session) Decrypt(header Header, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Terminated {
		return nil, ErrSessionTerminated
	}

	if key, ok := s.skipped.take(skippedKey{dhPublic: header.DHPublic, counter: header.Counter}); ok {
		defer cryptoprim.Zero(key[:])
		nonce := cryptoprim.NonceFromCounter(header.Counter)
		plaintext, err := cryptoprim.DecryptAESGCM(key[:], nonce[:], header.Canonical(), ciphertext)
		if err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	if !s.haveRemoteDH || !bytes.Equal(s.remoteDH[:], header.DHPublic[:]) {
		// A DH public we've already ratcheted away from is a stale chain,
		// not a new one: its skipped keys (if any) were already produced
		// at ratchet time and have since been consumed or evicted, so
		// ratcheting onto it again would corrupt the live session state.
		if s.dhHistory.has(header.DHPublic) {
			return nil, ErrMessageKeyNotAvailable
		}
		s.skipOverCurrentChain(header.PreviousCounter)
		if err := s.dhRatchet(header.DHPublic); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionHandshakeFail, err)
		}
	}

	if header.Counter < s.recvCounter {
		if s.skipped.wasEvicted(skippedKey{dhPublic: header.DHPublic, counter: header.Counter}) {
			return nil, ErrMessageKeyNotAvailable
		}
		return nil, ErrDuplicateCounter
	}

	s.skipMessageKeysUpTo(header.Counter)

	nextChain, messageKey := advanceChain(s.receivingChainKey)
	defer cryptoprim.Zero(messageKey[:])
	s.receivingChainKey = nextChain
	s.recvCounter = header.Counter + 1

	nonce := cryptoprim.NonceFromCounter(header.Counter)
	plaintext, err := cryptoprim.DecryptAESGCM(messageKey[:], nonce[:], header.Canonical(), ciphertext)
	if err != nil {
		return nil, err
	}

	if s.state == Initiating {
		s.state = Established
	}
	return plaintext, nil
}

// skipOverCurrentChain stashes message keys for any counters in the
// current receiving chain up to previousCounter before a DH ratchet
// replaces that chain, so late-arriving pre-ratchet messages can still
// be decrypted (bounded by the skipped-keys cap).
func (s *Session) skipOverCurrentChain(previousCounter uint32) {
	if !s.haveReceivingChain {
		return
	}
	for s.recvCounter < previousCounter {
		nextChain, mk := advanceChain(s.receivingChainKey)
		s.skipped.put(skippedKey{dhPublic: s.remoteDH, counter: s.recvCounter}, mk)
		s.receivingChainKey = nextChain
		s.recvCounter++
	}
}

// skipMessageKeysUpTo stashes message keys for counters between the
// current receive counter and the target counter (exclusive), so an
// out-of-order message that jumps ahead doesn't strand the skipped ones.
func (s *Session) skipMessageKeysUpTo(target uint32) {
	for s.recvCounter < target {
		nextChain, mk := advanceChain(s.receivingChainKey)
		s.skipped.put(skippedKey{dhPublic: s.remoteDH, counter: s.recvCounter}, mk)
		s.receivingChainKey = nextChain
		s.recvCounter++
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SkippedKeyCount reports the current size of the skipped-message-key
// map, for tests asserting invariant 4 (bounded skipped-key map).
func (s *Session) SkippedKeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped.len()
}

// Terminate moves the session to Terminated and zeroizes all key
// material. Idempotent.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return
	}
	cryptoprim.Zero(s.rootKey[:])
	cryptoprim.Zero(s.sendingChainKey[:])
	cryptoprim.Zero(s.receivingChainKey[:])
	cryptoprim.Zero(s.sendingDH.Private[:])
	for k, e := range s.skipped.entries {
		cryptoprim.Zero(e.messageKey[:])
		delete(s.skipped.entries, k)
	}
	s.state = Terminated
}

// Package identity implements per-wallet long-term identity keys, signed
// prekeys, and one-time prekeys: the Identity & Prekey Store (C3).
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/solconnect/relay/internal/cryptoprim"
)

// X25519DerivationInfo is the fixed domain-separation string used to
// derive a wallet's key-agreement key from its Ed25519 identity key.
const X25519DerivationInfo = "SolConnect-X25519-Derivation"

// DefaultRotationGrace is the window during which both the old and new
// signed-prekey generation are accepted for inbound session initiation.
const DefaultRotationGrace = 7 * 24 * time.Hour

var (
	ErrUnknownWallet          = errors.New("identity: unknown wallet")
	ErrPreKeyAlreadyConsumed  = errors.New("identity: prekey already consumed")
	ErrBundleInvalid          = errors.New("identity: bundle invalid")
	ErrNoSignedPreKey         = errors.New("identity: no signed prekey published")
)

// WalletAddress is a 32-byte Ed25519 public key used as both identity and
// routing key. Equality is byte-exact (comparable array type).
type WalletAddress [32]byte

func (w WalletAddress) String() string { return EncodeBase58(w[:]) }

// WalletFromPublicKey renders an Ed25519 public key as a WalletAddress.
func WalletFromPublicKey(pub ed25519.PublicKey) (WalletAddress, error) {
	var w WalletAddress
	if len(pub) != ed25519.PublicKeySize {
		return w, cryptoprim.ErrInvalidKeyLength
	}
	copy(w[:], pub)
	return w, nil
}

// IdentityKeyPair is a wallet's long-lived Ed25519 keypair.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// DerivedKeyAgreementKey is the X25519 keypair deterministically derived
// from an identity keypair, used only for key agreement, never signing.
type DerivedKeyAgreementKey struct {
	cryptoprim.X25519KeyPair
}

// DeriveX25519 deterministically derives a DerivedKeyAgreementKey from an
// identity keypair via HKDF-SHA256(salt=identity public key, info=
// X25519DerivationInfo).
func DeriveX25519(idk IdentityKeyPair) (DerivedKeyAgreementKey, error) {
	var out DerivedKeyAgreementKey
	seed := idk.private.Seed()
	defer cryptoprim.Zero(seed)

	derived, err := cryptoprim.HKDF(seed, idk.Public, []byte(X25519DerivationInfo), cryptoprim.KeyLen)
	if err != nil {
		return out, err
	}
	defer cryptoprim.Zero(derived)

	copy(out.Private[:], derived)
	pub, err := cryptoprim.PublicFromPrivate(out.Private)
	if err != nil {
		return out, err
	}
	out.Public = pub
	return out, nil
}

// signedPreKeyGeneration is one generation of a wallet's signed prekey.
type signedPreKeyGeneration struct {
	id        uint32
	keyPair   cryptoprim.X25519KeyPair
	signature [cryptoprim.SignatureLen]byte
	createdAt time.Time
}

type oneTimePreKey struct {
	id       uint32
	keyPair  cryptoprim.X25519KeyPair
	consumed bool
}

type walletRecord struct {
	mu           sync.Mutex
	identity     IdentityKeyPair
	current      *signedPreKeyGeneration
	previous     *signedPreKeyGeneration
	rotatedAt    time.Time
	oneTime      map[uint32]*oneTimePreKey
	nextOneTime  uint32
	nextSignedID uint32
}

// PreKeyBundle is published by a wallet so others can initiate sessions.
//
// IdentityAgreementPublic is the wallet's DerivedKeyAgreementKey public
// half: X3DH needs an X25519 identity key for key agreement, distinct
// from the Ed25519 identity key used for signatures, so the bundle
// carries both.
type PreKeyBundle struct {
	Wallet                  WalletAddress
	IdentityPublic          ed25519.PublicKey
	IdentityAgreementPublic [32]byte
	SignedPreKeyID          uint32
	SignedPreKeyPublic      [32]byte
	SignedPreKeySignature   [64]byte
	OneTimePreKeyID         *uint32
	OneTimePreKeyPublic     *[32]byte
}

// Store holds identity and prekey material for a set of wallets. It is
// the server-side (or test-harness) counterpart to a client's own local
// identity store; grace-period rotation bookkeeping mirrors the dual-
// secret rotation pattern used elsewhere in this codebase for signing
// keys.
type Store struct {
	mu            sync.RWMutex
	wallets       map[WalletAddress]*walletRecord
	rotationGrace time.Duration
}

// NewStore constructs an empty identity store.
func NewStore(rotationGrace time.Duration) *Store {
	if rotationGrace <= 0 {
		rotationGrace = DefaultRotationGrace
	}
	return &Store{
		wallets:       make(map[WalletAddress]*walletRecord),
		rotationGrace: rotationGrace,
	}
}

// GetOrCreateIdentity returns the identity keypair for wallet, generating
// a fresh one if none exists yet.
func (s *Store) GetOrCreateIdentity(wallet WalletAddress) (IdentityKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.wallets[wallet]; ok {
		return rec.identity, nil
	}

	pub, priv, err := cryptoprim.GenerateEd25519()
	if err != nil {
		return IdentityKeyPair{}, err
	}
	idk := IdentityKeyPair{Public: pub, private: priv}
	s.wallets[wallet] = &walletRecord{
		identity: idk,
		oneTime:  make(map[uint32]*oneTimePreKey),
	}
	return idk, nil
}

// ImportIdentity registers a wallet's identity keypair explicitly (used
// when a wallet already has Ed25519 material established off-store).
func (s *Store) ImportIdentity(wallet WalletAddress, pub ed25519.PublicKey, priv ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[wallet] = &walletRecord{
		identity: IdentityKeyPair{Public: pub, private: priv},
		oneTime:  make(map[uint32]*oneTimePreKey),
	}
}

// RotateSignedPreKey generates a new signed-prekey generation for wallet,
// signed by the wallet's identity key. The previous generation remains
// acceptable for inbound session initiation for the store's rotation
// grace window.
func (s *Store) RotateSignedPreKey(wallet WalletAddress) error {
	s.mu.RLock()
	rec, ok := s.wallets[wallet]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rotate signed prekey: %w", ErrUnknownWallet)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	kp, err := cryptoprim.GenerateX25519()
	if err != nil {
		return err
	}
	sig := cryptoprim.Sign(rec.identity.private, kp.Public[:])

	gen := &signedPreKeyGeneration{
		id:        rec.nextSignedID,
		keyPair:   kp,
		createdAt: time.Now(),
	}
	copy(gen.signature[:], sig)
	rec.nextSignedID++

	rec.previous = rec.current
	rec.current = gen
	rec.rotatedAt = time.Now()
	return nil
}

// AddOneTimePreKeys generates n fresh one-time prekeys for wallet and
// returns their ids.
func (s *Store) AddOneTimePreKeys(wallet WalletAddress, n int) ([]uint32, error) {
	s.mu.RLock()
	rec, ok := s.wallets[wallet]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("add one-time prekeys: %w", ErrUnknownWallet)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	ids := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		kp, err := cryptoprim.GenerateX25519()
		if err != nil {
			return ids, err
		}
		id := rec.nextOneTime
		rec.nextOneTime++
		rec.oneTime[id] = &oneTimePreKey{id: id, keyPair: kp}
		ids = append(ids, id)
	}
	return ids, nil
}

// PublishPreKeyBundle returns the current publishable bundle for wallet,
// optionally including one unconsumed one-time prekey.
func (s *Store) PublishPreKeyBundle(wallet WalletAddress) (PreKeyBundle, error) {
	s.mu.RLock()
	rec, ok := s.wallets[wallet]
	s.mu.RUnlock()
	if !ok {
		return PreKeyBundle{}, fmt.Errorf("publish bundle: %w", ErrUnknownWallet)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.current == nil {
		return PreKeyBundle{}, fmt.Errorf("publish bundle: %w", ErrNoSignedPreKey)
	}

	agreementKey, err := DeriveX25519(rec.identity)
	if err != nil {
		return PreKeyBundle{}, err
	}

	bundle := PreKeyBundle{
		Wallet:                  wallet,
		IdentityPublic:          rec.identity.Public,
		IdentityAgreementPublic: agreementKey.Public,
		SignedPreKeyID:          rec.current.id,
		SignedPreKeyPublic:      rec.current.keyPair.Public,
		SignedPreKeySignature:   rec.current.signature,
	}

	for id, otk := range rec.oneTime {
		if !otk.consumed {
			pub := otk.keyPair.Public
			bundle.OneTimePreKeyID = &id
			bundle.OneTimePreKeyPublic = &pub
			break
		}
	}

	return bundle, nil
}

// VerifyBundle checks that a bundle's signed-prekey signature verifies
// under its claimed identity key. It does not check the signed-prekey
// generation's age; the rotation grace window is enforced on the
// responder side by SignedPreKeyPrivate.
func (s *Store) VerifyBundle(b PreKeyBundle) error {
	if err := cryptoprim.Verify(b.IdentityPublic, b.SignedPreKeyPublic[:], b.SignedPreKeySignature[:]); err != nil {
		return fmt.Errorf("verify bundle: %w: %w", ErrBundleInvalid, err)
	}
	return nil
}

// ConsumeOneTimePreKey atomically consumes the one-time prekey id for
// wallet, returning its X25519 private key. A second consumption of the
// same id fails with ErrPreKeyAlreadyConsumed.
func (s *Store) ConsumeOneTimePreKey(wallet WalletAddress, id uint32) (*[32]byte, error) {
	s.mu.RLock()
	rec, ok := s.wallets[wallet]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("consume prekey: %w", ErrUnknownWallet)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	otk, ok := rec.oneTime[id]
	if !ok || otk.consumed {
		return nil, fmt.Errorf("consume prekey %d: %w", id, ErrPreKeyAlreadyConsumed)
	}
	otk.consumed = true
	priv := otk.keyPair.Private
	delete(rec.oneTime, id)
	return &priv, nil
}

// AgreementKeyPair returns wallet's own DerivedKeyAgreementKey, including
// the private scalar, for use as the local side of an X3DH identity DH.
func (s *Store) AgreementKeyPair(wallet WalletAddress) (cryptoprim.X25519KeyPair, error) {
	s.mu.RLock()
	rec, ok := s.wallets[wallet]
	s.mu.RUnlock()
	if !ok {
		return cryptoprim.X25519KeyPair{}, fmt.Errorf("agreement keypair: %w", ErrUnknownWallet)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	dk, err := DeriveX25519(rec.identity)
	return dk.X25519KeyPair, err
}

// Identity returns the full identity keypair (including the private
// half) for wallet. Used locally by the owning wallet's session
// protocol, never exposed to peers.
func (s *Store) Identity(wallet WalletAddress) (IdentityKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.wallets[wallet]
	if !ok {
		return IdentityKeyPair{}, fmt.Errorf("identity: %w", ErrUnknownWallet)
	}
	return rec.identity, nil
}

// SignedPreKeyPrivate returns the private half of the signed prekey
// generation id for wallet, accepting both the current and (within the
// rotation grace window) previous generation.
func (s *Store) SignedPreKeyPrivate(wallet WalletAddress, id uint32) (*[32]byte, error) {
	s.mu.RLock()
	rec, ok := s.wallets[wallet]
	grace := s.rotationGrace
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("signed prekey private: %w", ErrUnknownWallet)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.current != nil && rec.current.id == id {
		priv := rec.current.keyPair.Private
		return &priv, nil
	}
	if rec.previous != nil && rec.previous.id == id {
		if time.Since(rec.rotatedAt) > grace {
			return nil, fmt.Errorf("signed prekey private: generation %d expired", id)
		}
		priv := rec.previous.keyPair.Private
		return &priv, nil
	}
	return nil, fmt.Errorf("signed prekey private: unknown generation %d", id)
}

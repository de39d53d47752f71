// Package cryptoprim wraps the primitive cryptographic operations used
// throughout the relay and session protocol: Ed25519 signatures, X25519
// key agreement, HKDF-SHA256, and AES-256-GCM.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Error kinds surfaced by this package, per the core error taxonomy.
var (
	ErrDecryptAuthFailure = errors.New("cryptoprim: decrypt auth failure")
	ErrInvalidSignature   = errors.New("cryptoprim: invalid signature")
	ErrInvalidKeyLength   = errors.New("cryptoprim: invalid key length")
)

const (
	KeyLen         = 32
	NonceLen       = 12
	TagLen         = 16
	SignatureLen   = ed25519.SignatureSize
	IdentityKeyLen = ed25519.PublicKeySize
)

// Zero overwrites b with zero bytes. Call via defer on every secret buffer
// acquired in a scope so key material does not outlive its scope.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateEd25519 returns a fresh Ed25519 identity keypair.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return ErrInvalidKeyLength
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// X25519KeyPair is a Curve25519 key agreement keypair.
type X25519KeyPair struct {
	Public  [KeyLen]byte
	Private [KeyLen]byte
}

// GenerateX25519 returns a fresh, correctly clamped X25519 keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, err
	}
	pub, err := PublicFromPrivate(kp.Private)
	if err != nil {
		return kp, err
	}
	kp.Public = pub
	return kp, nil
}

// PublicFromPrivate computes the X25519 public key for a given scalar.
func PublicFromPrivate(priv [KeyLen]byte) ([KeyLen]byte, error) {
	var pub [KeyLen]byte
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

// ECDH performs X25519 Diffie-Hellman between priv and peerPub.
func ECDH(priv, peerPub [KeyLen]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, err
	}
	// all-zero shared secret indicates a low-order point attack
	var zero [KeyLen]byte
	if subtle.ConstantTimeCompare(out, zero[:]) == 1 {
		return nil, ErrInvalidKeyLength
	}
	return out, nil
}

// HKDF runs HKDF-SHA256 extract-and-expand with explicit salt and info,
// returning outLen bytes.
func HKDF(secret, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptAESGCM encrypts plaintext under key with the given 96-bit nonce
// and associated data, returning ciphertext||tag.
func EncryptAESGCM(key, nonce, aad, plaintext []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceLen {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagLen)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// DecryptAESGCM decrypts ciphertext||tag under key with the given nonce
// and associated data.
func DecryptAESGCM(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceLen {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagLen)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptAuthFailure
	}
	return plaintext, nil
}

// NonceFromCounter derives a 96-bit GCM nonce from a message counter,
// big-endian, left-padded.
func NonceFromCounter(counter uint32) [NonceLen]byte {
	var nonce [NonceLen]byte
	nonce[8] = byte(counter >> 24)
	nonce[9] = byte(counter >> 16)
	nonce[10] = byte(counter >> 8)
	nonce[11] = byte(counter)
	return nonce
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

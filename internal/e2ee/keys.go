// Package e2ee implements group-key distribution: a random group key is
// wrapped for every member under a key agreed between an ephemeral X25519
// keypair and the member's long-term public key.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	NonceSize = 12

	// wrapInfo binds derived wrapping keys to this protocol.
	wrapInfo = "chatapp:wrap:groupkey"
)

// ErrCrypto marks key agreement, derivation and AEAD failures.
var ErrCrypto = errors.New("crypto failure")

// KeyPair is an X25519 keypair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// PublicBase64 returns the public key in std base64.
func (k *KeyPair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public[:])
}

// GenerateKeyPair creates a fresh X25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("%w: read random: %v", ErrCrypto, err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive public key: %v", ErrCrypto, err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// NewGroupKey returns 32 random bytes.
func NewGroupKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: read random: %v", ErrCrypto, err)
	}
	return key, nil
}

// SharedSecret runs X25519 between priv and peerPub. Both sides of the
// exchange get the same result.
func SharedSecret(priv, peerPub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(peerPub) != KeySize {
		return nil, fmt.Errorf("%w: keys must be %d bytes", ErrCrypto, KeySize)
	}
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: x25519: %v", ErrCrypto, err)
	}
	return shared, nil
}

// DeriveWrapKey expands a shared secret into a 256-bit wrapping key with
// HKDF-SHA256.
func DeriveWrapKey(shared []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, shared, nil, []byte(wrapInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrCrypto, err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce.
func Seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: read nonce: %v", ErrCrypto, err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts and authenticates an AES-256-GCM ciphertext.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrCrypto, NonceSize)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrCrypto, err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aes: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm: %v", ErrCrypto, err)
	}
	return aead, nil
}

// WrapGroupKey wraps groupKey for the holder of memberPub.
func WrapGroupKey(ephemeralPriv, memberPub, groupKey []byte) (ciphertext, nonce []byte, err error) {
	shared, err := SharedSecret(ephemeralPriv, memberPub)
	if err != nil {
		return nil, nil, err
	}
	wrapKey, err := DeriveWrapKey(shared)
	if err != nil {
		return nil, nil, err
	}
	return Seal(wrapKey, groupKey)
}

// UnwrapGroupKey recovers the group key with the member's private key and
// the group's published ephemeral public key.
func UnwrapGroupKey(memberPriv, ephemeralPub, nonce, ciphertext []byte) ([]byte, error) {
	shared, err := SharedSecret(memberPriv, ephemeralPub)
	if err != nil {
		return nil, err
	}
	wrapKey, err := DeriveWrapKey(shared)
	if err != nil {
		return nil, err
	}
	return Open(wrapKey, nonce, ciphertext)
}

// DecodeKey parses a base64 32-byte key.
func DecodeKey(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode key: %v", ErrCrypto, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrCrypto, len(raw), KeySize)
	}
	return raw, nil
}

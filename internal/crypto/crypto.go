// Package crypto provides at-rest encryption for the opaque event data
// and audit-change payloads an event storage adapter persists. It is
// optional: a store can be built unencrypted, or wrapped so those
// payloads are sealed with a key derived from an operator-supplied
// passphrase before they ever reach disk or a row in Postgres. Entity
// documents are not sealed.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = 24 // XChaCha20 nonce size
	SaltSize  = 16
)

var (
	ErrInvalidKey = errors.New("invalid key size")
	ErrDecrypt    = errors.New("decryption failed")
)

// Key is a 32-byte XChaCha20-Poly1305 key.
type Key [KeySize]byte

// GenerateKey creates a new random master key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// DeriveKey derives a key from a password and salt using Argon2id.
// Parameters follow OWASP's current minimums: 3 passes, 64MB, 2 lanes.
func DeriveKey(password, salt []byte) Key {
	var k Key
	dk := argon2.IDKey(password, salt, 3, 64*1024, 2, KeySize)
	copy(k[:], dk)
	return k
}

// Encrypt seals plaintext with XChaCha20-Poly1305. aad binds the
// ciphertext to context that must match at decrypt time (for example
// the entity guid a payload belongs to) without itself being
// encrypted. The returned slice is nonce||ciphertext||tag.
func Encrypt(key Key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext produced by Encrypt. aad must match the
// value passed to Encrypt exactly.
func Decrypt(key Key, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrDecrypt
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	nonce := ciphertext[:NonceSize]
	sealed := ciphertext[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// GenerateSalt creates a random salt for DeriveKey.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

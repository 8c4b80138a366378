package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Box encrypts secrets stored at rest (OAuth refresh tokens, trigger
// secrets, connector credentials) with a symmetric key from configuration.
type Box struct {
	key [32]byte
}

// New creates a Box from a 32-byte key
func New(key [32]byte) *Box {
	return &Box{key: key}
}

// Seal encrypts plaintext. The random nonce is prepended to the ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts a value produced by Seal
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	plaintext, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &b.key)
	if !ok {
		return nil, fmt.Errorf("decrypt failed")
	}
	return plaintext, nil
}

// SealString is Seal for string values
func (b *Box) SealString(s string) ([]byte, error) {
	return b.Seal([]byte(s))
}

// OpenString is Open for string values
func (b *Box) OpenString(ciphertext []byte) (string, error) {
	out, err := b.Open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

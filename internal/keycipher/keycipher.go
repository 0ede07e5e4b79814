// Package keycipher seals upstream provider keys at rest.
//
// Sealed values are AES-256-GCM over a key derived as SHA-256 of the
// configured secret, encoded as URL-safe base64 of nonce||ciphertext.
// Decryption failures are deliberately opaque: callers get ErrDecrypt and
// nothing about why.
package keycipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// MinSecretLen is the minimum length of the configured secret.
const MinSecretLen = 32

// ErrDecrypt is returned for any unseal failure: bad encoding, truncated
// input, wrong key, or tampered ciphertext.
var ErrDecrypt = errors.New("keycipher: decrypt failed")

// Cipher seals and unseals upstream key material.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the AEAD from secret. The secret must be at least
// MinSecretLen bytes.
func New(secret string) (*Cipher, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("keycipher: secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("keycipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keycipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns the encoded sealed value.
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keycipher: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unseal decodes and decrypts a sealed value.
func (c *Cipher) Unseal(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrDecrypt
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrDecrypt
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

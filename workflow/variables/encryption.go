// Package variables implements the environment-variable store's
// encryption-at-rest and the {{ env.X }} / {{ event.data.path }}
// template engine (§4.10), grounded on the original source's
// variables/encryption.rs and variables/template_engine.rs — the
// teacher carries no equivalent package, so this is new code in the
// teacher's idiom (small sentinel errors, no external crypto or
// templating library, matching the rest of the pack's own stdlib-only
// AES-GCM usage, e.g. 88lin-divinesense's channel crypto helpers).
package variables

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required AES-256-GCM key size in bytes.
const KeySize = 32

// ErrInvalidKeySize is returned when the configured encryption key is
// not exactly KeySize bytes.
var ErrInvalidKeySize = errors.New("variables: encryption key must be 32 bytes")

// DevelopmentKey is used when no SP_ENCRYPTION_KEY is configured. Never
// use this outside local development — every deployment must override
// it, per §4.10's "defaulting to a development key with a loud warning".
var DevelopmentKey = []byte("swisspipe-development-key-change")[:KeySize]

// Encryptor seals and opens secret EnvironmentVariable values.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor builds an Encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("variables: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("variables: new gcm: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Seal encrypts plaintext, returning base64(nonce || ciphertext).
func (e *Encryptor) Seal(plaintext string) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("variables: generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (e *Encryptor) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("variables: decode ciphertext: %w", err)
	}
	nonceSize := e.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("variables: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("variables: decrypt: %w", err)
	}
	return string(plaintext), nil
}

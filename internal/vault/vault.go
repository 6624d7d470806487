// Package vault encrypts exchange credentials at rest with AES-256-GCM.
//
// An envelope is three base64 segments joined by ":":
// nonce (12 bytes), authentication tag (16 bytes) and ciphertext. A fresh
// random nonce is drawn for every Encrypt call. One master key serves the
// whole process; there is no rotation or versioning.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the master key length in bytes (AES-256).
	KeySize = 32

	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrInvalidCiphertext is returned when an envelope is malformed or fails
	// authentication. The stored credential is unusable and must be re-registered.
	ErrInvalidCiphertext = errors.New("vault: invalid encrypted payload")

	// ErrEmptyPlaintext is returned when asked to encrypt an empty string.
	ErrEmptyPlaintext = errors.New("vault: empty plaintext")

	// ErrInvalidKey is returned for a master key of the wrong size or encoding.
	ErrInvalidKey = errors.New("vault: master key must be 64 hex chars (32 bytes)")
)

// Vault seals and opens credential envelopes with one master key.
type Vault struct {
	aead cipher.AEAD
}

// ParseMasterKey decodes a 64-character hex master key.
func ParseMasterKey(hexKey string) ([]byte, error) {
	if len(hexKey) != 2*KeySize {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// New creates a Vault for a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext into an envelope.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	// Seal appends the tag to the ciphertext.
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (v *Vault) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("%w: expected nonce:tag:ciphertext", ErrInvalidCiphertext)
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: nonce", ErrInvalidCiphertext)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: tag", ErrInvalidCiphertext)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext", ErrInvalidCiphertext)
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrInvalidCiphertext)
	}
	return string(plaintext), nil
}

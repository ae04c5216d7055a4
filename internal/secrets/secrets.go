// Package secrets seals exchange API credentials at rest. Values are
// encrypted with AES-256-GCM under a process-wide key and decrypted into
// per-request memory only for the duration of a sync.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
)

// Box encrypts and decrypts short secrets with a fixed key.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a hex-encoded 32-byte key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, domain.Validationf("credentials_key", "key is not valid hex")
	}
	if len(key) != 32 {
		return nil, domain.Validationf("credentials_key", "key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "failed to init cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "failed to init GCM", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 token (nonce || ciphertext).
// Empty plaintext seals to the empty string so optional credentials stay
// optional in storage.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.Wrap(domain.KindInternal, "failed to generate nonce", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token produced by Seal.
func (b *Box) Open(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", domain.Wrap(domain.KindInternal, "sealed credential is not valid base64", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", domain.E(domain.KindInternal, "sealed credential too short")
	}
	plaintext, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", domain.Wrap(domain.KindInternal, "failed to decrypt credential", err)
	}
	return string(plaintext), nil
}

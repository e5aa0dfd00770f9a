// Package cryptutil implements the envelope encryption §6 requires for
// Integration credentials at rest: AES-256-GCM keyed by an environment
// variable. No pack repo wraps a KMS/vault client for small-blob
// envelope encryption of this shape, so this is built directly on
// crypto/aes + crypto/cipher (see DESIGN.md for the justification).
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrKeyMissing is returned when the configured environment variable
// holding the encryption key is unset. §7 classifies this as Fatal for
// credential *write* operations.
var ErrKeyMissing = errors.New("credential encryption key is not set")

// KeyFromEnv reads and decodes the base64-encoded 32-byte AES-256 key
// named by envVar.
func KeyFromEnv(envVar string) ([]byte, error) {
	encoded := os.Getenv(envVar)
	if encoded == "" {
		return nil, ErrKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decoding credential key")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("credential key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Encrypt seals plaintext under key using AES-256-GCM with a random nonce,
// returning nonce||ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "building AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "building GCM mode")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "building AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "building GCM mode")
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypting credentials")
	}
	return plaintext, nil
}

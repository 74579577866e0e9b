// Package crypto covers the platform's key material concerns: API key
// generation and hashing, prompt fingerprints for the scan cache, and
// AES-256-GCM sealing of stored model credentials.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// APIKeyPrefix leads every issued key so leaked keys are greppable.
	APIKeyPrefix = "ora_"

	// KeyPrefixLen is how many leading characters of the full key are kept
	// in plaintext for display next to the hash.
	KeyPrefixLen = 12
)

var ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")

// GenerateAPIKey mints a new key of the form "ora_" + 32 hex chars drawn
// from 16 random bytes and returns the full key, its display prefix, and
// its SHA-256 hash.
func GenerateAPIKey() (key, prefix, hash string) {
	raw := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		// rand.Reader failing means the platform entropy source is gone;
		// nothing sensible to mint at that point.
		panic(fmt.Sprintf("crypto: entropy source: %v", err))
	}
	key = APIKeyPrefix + hex.EncodeToString(raw)
	prefix = key[:KeyPrefixLen]
	hash = HashAPIKey(key)
	return key, prefix, hash
}

// HashAPIKey returns the lowercase hex SHA-256 digest of the full key.
// Only the hash is ever persisted.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashPrompt fingerprints scan input for the response cache.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// Credential sealing
// ============================================================================

// Sealer encrypts provider API keys at rest. The AES-256 key is derived
// once from the two configured secrets.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives key = SHA-256(encryptionKey || jwtSecret) and builds
// the AES-GCM cipher around it.
func NewSealer(encryptionKey, jwtSecret string) (*Sealer, error) {
	if encryptionKey == "" || jwtSecret == "" {
		return nil, errors.New("crypto: encryption secrets not configured")
	}
	sum := sha256.Sum256([]byte(encryptionKey + jwtSecret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm init: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input yields
// ErrInvalidCiphertext.
func (s *Sealer) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	key, prefix, hash := GenerateAPIKey()

	assert.True(t, strings.HasPrefix(key, APIKeyPrefix))
	assert.Len(t, key, len(APIKeyPrefix)+32)
	assert.Equal(t, key[:KeyPrefixLen], prefix)
	assert.Equal(t, HashAPIKey(key), hash)
	assert.Len(t, hash, 64)

	// The secret part is plain lowercase hex, never UUID-shaped.
	secret := strings.TrimPrefix(key, APIKeyPrefix)
	assert.NotContains(t, secret, "-")
	_, err := hex.DecodeString(secret)
	assert.NoError(t, err)
	assert.Equal(t, strings.ToLower(secret), secret)

	// Two mints never collide.
	key2, _, _ := GenerateAPIKey()
	assert.NotEqual(t, key, key2)
}

func TestHashAPIKey_Deterministic(t *testing.T) {
	a := HashAPIKey("ora_deadbeef")
	b := HashAPIKey("ora_deadbeef")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HashAPIKey("ora_deadbeee"))
}

func TestHashPrompt_KnownVector(t *testing.T) {
	// sha256("") is a fixed constant.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashPrompt(""))
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer("test-encryption-key", "test-jwt-secret")
	require.NoError(t, err)

	for _, plaintext := range []string{"", "sk-or-v1-abc123", strings.Repeat("x", 4096)} {
		sealed, err := s.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := s.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestSealer_NonceUniqueness(t *testing.T) {
	s, err := NewSealer("k", "j")
	require.NoError(t, err)

	a, err := s.Encrypt("same input")
	require.NoError(t, err)
	b, err := s.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealer_Tampered(t *testing.T) {
	s, err := NewSealer("k", "j")
	require.NoError(t, err)

	sealed, err := s.Encrypt("secret")
	require.NoError(t, err)

	cases := map[string]string{
		"not base64":  "%%%not-base64%%%",
		"too short":   "QUJD",
		"bit flipped": "A" + sealed[1:],
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Decrypt(input)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		})
	}
}

func TestSealer_WrongKey(t *testing.T) {
	s1, err := NewSealer("key-one", "jwt")
	require.NoError(t, err)
	s2, err := NewSealer("key-two", "jwt")
	require.NoError(t, err)

	sealed, err := s1.Encrypt("secret")
	require.NoError(t, err)

	_, err = s2.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewSealer_MissingSecrets(t *testing.T) {
	_, err := NewSealer("", "jwt")
	assert.Error(t, err)
	_, err = NewSealer("key", "")
	assert.Error(t, err)
}

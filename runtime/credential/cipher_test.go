package credential

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := ParseKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return key
}

func TestParseKeyEncodings(t *testing.T) {
	t.Parallel()

	hexKey := strings.Repeat("0f", 32)
	key, err := ParseKey(hexKey)
	require.NoError(t, err)
	expected, _ := hex.DecodeString(hexKey)
	assert.Equal(t, expected, key)

	raw := []byte(strings.Repeat("k", 32))
	b64 := base64.StdEncoding.EncodeToString(raw)
	require.Len(t, b64, 44)
	key, err = ParseKey(b64)
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	key, err = ParseKey(string(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	// Arbitrary passphrases hash down to 32 bytes.
	key, err = ParseKey("hunter2")
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("hunter2"))
	assert.Equal(t, sum[:], key)

	_, err = ParseKey("")
	require.Error(t, err)
}

func TestDevKeyBacksAWorkingCipher(t *testing.T) {
	t.Parallel()

	key := DevKey()
	require.Len(t, key, 32)
	assert.Equal(t, key, DevKey())

	c, err := NewCipher(key)
	require.NoError(t, err)
	env, err := c.Encrypt([]byte("local secret"))
	require.NoError(t, err)
	got, err := c.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("local secret"), got)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	plaintext := []byte(`{"apiKey":"secret-value"}`)
	envelope, err := c.Encrypt(plaintext)
	require.NoError(t, err)

	parts := strings.Split(envelope, ":")
	require.Len(t, parts, 3)
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	assert.Len(t, iv, 16)
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Len(t, tag, 16)

	got, err := c.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptWrongKey(t *testing.T) {
	t.Parallel()

	c1, err := NewCipher(testKey(t))
	require.NoError(t, err)
	other, err := ParseKey("some other passphrase")
	require.NoError(t, err)
	c2, err := NewCipher(other)
	require.NoError(t, err)

	envelope, err := c1.Encrypt([]byte("payload"))
	require.NoError(t, err)
	_, err = c2.Decrypt(envelope)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptMalformedEnvelopes(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	for _, envelope := range []string{
		"",
		"notanenvelope",
		"a:b",
		"!!!:!!!:!!!",
		"YWJj:YWJj:YWJj", // parts decode but iv/tag lengths are wrong
	} {
		_, err := c.Decrypt(envelope)
		assert.ErrorIs(t, err, ErrDecrypt, envelope)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey(t))
	require.NoError(t, err)
	envelope, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	parts := strings.Split(envelope, ":")
	ct, _ := base64.StdEncoding.DecodeString(parts[2])
	ct[0] ^= 0xff
	parts[2] = base64.StdEncoding.EncodeToString(ct)
	_, err = c.Decrypt(strings.Join(parts, ":"))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	t.Parallel()

	_, err := NewCipher([]byte("short"))
	require.Error(t, err)
}

package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// nonceSize is the GCM nonce length used by the envelope format. It is 16
// bytes rather than the GCM default of 12 for compatibility with envelopes
// written by earlier deployments.
const nonceSize = 16

// ErrDecrypt is returned for any envelope that cannot be opened: wrong key,
// tampered ciphertext or malformed encoding. The message is intentionally
// generic.
var ErrDecrypt = errors.New("Failed to decrypt data")

// ParseKey derives the 32-byte AES-256 key from its configured encoding:
// 64 hex characters, 44-character standard base64, or 32 raw bytes. Any
// other input is hashed with SHA-256 so arbitrary passphrases still work.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("encryption key is required")
	}
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	if len(s) == 44 {
		if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
			return key, nil
		}
	}
	if len(s) == 32 {
		return []byte(s), nil
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:], nil
}

// devPassphrase seeds the fallback key for local runs without an
// ENCRYPTION_KEY. Anything sealed with it is readable by anyone holding the
// binary, so production deployments must configure a real key.
const devPassphrase = "loom-development-key"

// DevKey returns the deterministic development key.
func DevKey() []byte {
	sum := sha256.Sum256([]byte(devPassphrase))
	return sum[:]
}

// Cipher seals and opens credential envelopes with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher constructs a cipher from a 32-byte key, typically the output of
// ParseKey.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext into the iv:tag:ciphertext envelope, each part
// standard base64.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag; the envelope stores it as its own part.
	split := len(sealed) - c.aead.Overhead()
	ct, tag := sealed[:split], sealed[split:]
	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens an iv:tag:ciphertext envelope.
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return nil, ErrDecrypt
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != nonceSize {
		return nil, ErrDecrypt
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != c.aead.Overhead() {
		return nil, ErrDecrypt
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrDecrypt
	}
	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

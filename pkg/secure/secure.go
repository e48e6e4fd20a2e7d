// Package secure holds the cryptographic helpers shared by all exchange
// adapters: deterministic HMAC-SHA256 request signing primitives, a
// credential masking helper for diagnostics, and authenticated at-rest
// encryption for persisted API secrets.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// HMACSHA256Hex signs payload with secret and returns the hex digest.
// Binance-style signing: identical (payload, secret) pairs always yield
// the identical signature.
func HMACSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACSHA256Base64 signs payload with secret and returns the base64
// digest. OKX-style signing.
func HMACSHA256Base64(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// MaskKey reduces a credential to a fixed-length redacted preview safe
// for log output. Keys shorter than eight characters are fully redacted.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "********"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

const (
	pbkdf2Iterations = 100_000
	saltLen          = 16
	keyLen           = 32 // AES-256
)

// Encrypt seals plaintext with a password-derived key. Each call draws a
// fresh random salt and nonce, so encrypting the same value twice yields
// different ciphertexts. The result is "salt:nonce:tag:ciphertext" with
// hex-encoded fields, which survives round-trips through env files and
// YAML values.
func Encrypt(plaintext, password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLen, sha256.New)
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends the 16-byte GCM tag to the ciphertext; split it out so
	// the stored format keeps the tag as its own field.
	tagOff := len(sealed) - 16
	ciphertext, tag := sealed[:tagOff], sealed[tagOff:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// ErrDecryptFailed is returned when the stored value is malformed or its
// authentication tag does not verify. Decryption fails closed: a single
// tampered byte yields this error, never wrong plaintext.
var ErrDecryptFailed = errors.New("secure: decryption failed")

// Decrypt opens a value produced by Encrypt with the same password.
func Decrypt(stored, password string) (string, error) {
	parts := strings.Split(stored, ":")
	if len(parts) != 4 {
		return "", ErrDecryptFailed
	}

	salt, err1 := hex.DecodeString(parts[0])
	nonce, err2 := hex.DecodeString(parts[1])
	tag, err3 := hex.DecodeString(parts[2])
	ciphertext, err4 := hex.DecodeString(parts[3])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return "", ErrDecryptFailed
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLen, sha256.New)
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", ErrDecryptFailed
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}

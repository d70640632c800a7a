package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	nonceSize  = 12
	keySize    = 32
	iterations = 100_000
)

// ErrNoKey is returned when a Vault is used without a configured encryption key.
var ErrNoKey = errors.New("encryption key is not configured")

// CryptoError indicates a decryption failure: a malformed blob, a rotated key,
// or a ciphertext that failed authentication.
type CryptoError struct {
	Reason string
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypt failed: %s", e.Reason)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Vault encrypts secrets at rest and verifies webhook signatures. The key is
// a passphrase, not raw key material; each Encrypt derives a fresh AES key
// from it with PBKDF2 and a random salt, so every blob is self-describing and
// key rotation only requires re-encrypting stored blobs.
type Vault struct {
	key string
}

// New creates a Vault with the given passphrase. An empty passphrase is
// allowed here so callers can build a Vault before config validation; Encrypt
// and Decrypt fail with ErrNoKey when the passphrase is missing.
func New(key string) *Vault {
	return &Vault{key: key}
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from the
// configured passphrase. The returned blob is base64(salt || nonce ||
// ciphertext+tag).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v.key == "" {
		return "", ErrNoKey
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, saltSize+nonceSize+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. A tampered blob, a truncated blob, or a blob
// written under a different key all fail with a *CryptoError.
func (v *Vault) Decrypt(blob string) (string, error) {
	if v.key == "" {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &CryptoError{Reason: "malformed blob", Err: err}
	}
	if len(raw) < saltSize+nonceSize+1 {
		return "", &CryptoError{Reason: "blob too short"}
	}
	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	sealed := raw[saltSize+nonceSize:]

	aead, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CryptoError{Reason: "authentication failed", Err: err}
	}
	return string(plaintext), nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(v.key), salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// VerifyWebhookSignature checks a GitHub-style `sha256=<hex>` signature
// header against the raw request body using HMAC-SHA256 and a constant-time
// comparison. It reports false for a missing or malformed header rather than
// returning an error: a failed check is an expected outcome at the webhook
// boundary, not an exceptional one.
func VerifyWebhookSignature(body []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" || secret == "" {
		return false
	}
	expected := SignWebhookBody(body, secret)
	if len(signatureHeader) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signatureHeader), []byte(expected)) == 1
}

// SignWebhookBody computes the `sha256=<hex>` signature GitHub attaches to
// webhook deliveries.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ValidateKey rejects encryption keys that are too short to be useful.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrNoKey
	}
	if len(key) < 32 {
		return errors.New("encryption key must be at least 32 characters")
	}
	return nil
}

package vault

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// TestEncryptDecryptRoundTrip tests that decrypting an encrypted value
// returns the original plaintext.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := New("0123456789abcdef0123456789abcdef")
	plaintexts := []string{"", "gho_testtoken", "multi\nline\npayload", strings.Repeat("x", 4096)}
	for _, plaintext := range plaintexts {
		blob, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := v.Decrypt(blob)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

// TestEncryptProducesUniqueBlobs tests that encrypting the same plaintext
// twice yields different blobs because salt and nonce are random.
func TestEncryptProducesUniqueBlobs(t *testing.T) {
	v := New("0123456789abcdef0123456789abcdef")
	first, err := v.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := v.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct blobs for repeated plaintext")
	}
}

// TestDecryptWrongKey tests that decrypting with a different key fails with
// a CryptoError instead of returning garbage.
func TestDecryptWrongKey(t *testing.T) {
	blob, err := New("0123456789abcdef0123456789abcdef").Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, err = New("fedcba9876543210fedcba9876543210").Decrypt(blob)
	var cryptoErr *CryptoError
	if !errors.As(err, &cryptoErr) {
		t.Fatalf("expected CryptoError, got %v", err)
	}
}

// TestDecryptTamperedBlob tests that flipping a ciphertext byte breaks the
// authentication tag.
func TestDecryptTamperedBlob(t *testing.T) {
	v := New("0123456789abcdef0123456789abcdef")
	blob, err := v.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(raw))
	var cryptoErr *CryptoError
	if !errors.As(err, &cryptoErr) {
		t.Fatalf("expected CryptoError for tampered blob, got %v", err)
	}
}

// TestDecryptMalformedBlob tests that non-base64 and truncated blobs fail
// with a CryptoError.
func TestDecryptMalformedBlob(t *testing.T) {
	v := New("0123456789abcdef0123456789abcdef")
	for _, blob := range []string{"not-base64!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := v.Decrypt(blob)
		var cryptoErr *CryptoError
		if !errors.As(err, &cryptoErr) {
			t.Fatalf("expected CryptoError for %q, got %v", blob, err)
		}
	}
}

// TestEncryptWithoutKey tests that a vault without a key refuses to encrypt
// rather than silently passing plaintext through.
func TestEncryptWithoutKey(t *testing.T) {
	v := New("")
	if _, err := v.Encrypt("secret"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := v.Decrypt("whatever"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey on decrypt, got %v", err)
	}
}

// TestVerifyWebhookSignature tests HMAC verification against a correctly
// signed body and a mutated one.
func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"action":"opened","number":42}`)
	secret := "webhook-secret"

	header := SignWebhookBody(body, secret)
	if !VerifyWebhookSignature(body, header, secret) {
		t.Fatalf("expected valid signature to verify")
	}

	mutated := append([]byte(nil), body...)
	mutated[0] ^= 0x01
	if VerifyWebhookSignature(mutated, header, secret) {
		t.Fatalf("expected mutated body to fail verification")
	}
	if VerifyWebhookSignature(body, header, "other-secret") {
		t.Fatalf("expected wrong secret to fail verification")
	}
	if VerifyWebhookSignature(body, "", secret) {
		t.Fatalf("expected missing header to fail verification")
	}
	if VerifyWebhookSignature(body, "sha256=deadbeef", secret) {
		t.Fatalf("expected short header to fail verification")
	}
}

// TestValidateKey tests the startup key length check.
func TestValidateKey(t *testing.T) {
	if err := ValidateKey(""); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey for empty key, got %v", err)
	}
	if err := ValidateKey("short"); err == nil {
		t.Fatalf("expected error for short key")
	}
	if err := ValidateKey("0123456789abcdef0123456789abcdef"); err != nil {
		t.Fatalf("expected 32-char key to validate, got %v", err)
	}
}

// Package statetoken issues and validates the short-lived CSRF tokens that
// bind an OAuth authorize request to its callback.
package statetoken

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TTL is how long an issued state token stays valid.
const TTL = 10 * time.Minute

var (
	// ErrExpired is returned when a token is structurally valid but older
	// than the TTL.
	ErrExpired = errors.New("state token expired")
	// ErrInvalidToken is returned when a token cannot be resolved at all:
	// unknown, already consumed, or undecodable.
	ErrInvalidToken = errors.New("state token invalid")
)

// Payload is the data carried across the OAuth round trip.
type Payload struct {
	TeamID         string `json:"team_id"`
	UserID         string `json:"user_id"`
	RedirectURL    string `json:"redirect_url"`
	IssuedAtMillis int64  `json:"issued_at"`
}

// Store issues one-time state tokens and validates them on the callback.
type Store interface {
	Issue(ctx context.Context, payload Payload) (string, error)
	ValidateAndConsume(ctx context.Context, token string) (Payload, error)
}

// EncodedStore is the degraded-mode strategy: the payload is embedded in the
// token itself as base64 JSON. Tokens are no longer revocable or single-use,
// but the login flow keeps working when the external store is down. Expiry
// still holds via the embedded timestamp.
type EncodedStore struct {
	now func() time.Time
}

// NewEncodedStore creates the self-encoding fallback store.
func NewEncodedStore() *EncodedStore {
	return &EncodedStore{now: time.Now}
}

// Issue encodes the payload directly into the token.
func (s *EncodedStore) Issue(_ context.Context, payload Payload) (string, error) {
	if payload.IssuedAtMillis == 0 {
		payload.IssuedAtMillis = s.now().UnixMilli()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode state payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateAndConsume decodes the token and checks the embedded timestamp.
// Consumption is a no-op in this mode.
func (s *EncodedStore) ValidateAndConsume(_ context.Context, token string) (Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, ErrInvalidToken
	}
	if payload.TeamID == "" || payload.IssuedAtMillis == 0 {
		return Payload{}, ErrInvalidToken
	}
	return payload, checkExpiry(payload, s.now())
}

func checkExpiry(payload Payload, now time.Time) error {
	if now.UnixMilli()-payload.IssuedAtMillis > TTL.Milliseconds() {
		return ErrExpired
	}
	return nil
}

func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

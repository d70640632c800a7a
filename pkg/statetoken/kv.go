package statetoken

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is reported by a KV when a key does not exist. A consumed or
// never-issued token surfaces this way.
var ErrNotFound = errors.New("key not found")

// KV is the minimal key/value contract the primary store needs: TTL writes
// and destructive reads.
type KV interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	GetDel(ctx context.Context, key string) (string, error)
	Ping(ctx context.Context) error
}

const keyPrefix = "oauth_state:"

// KVStore is the primary strategy: tokens are opaque random strings and the
// payload lives in an external TTL store, giving true one-time use and
// server-side revocability. Any store failure degrades per call to the
// self-encoding fallback instead of breaking the login flow.
type KVStore struct {
	kv       KV
	fallback *EncodedStore
	logger   *log.Logger
	now      func() time.Time
}

// NewKVStore creates the primary store over the given KV.
func NewKVStore(kv KV, logger *log.Logger) *KVStore {
	if logger == nil {
		logger = log.Default()
	}
	return &KVStore{
		kv:       kv,
		fallback: NewEncodedStore(),
		logger:   logger,
		now:      time.Now,
	}
}

// Issue stores the payload under a fresh random token with the fixed TTL.
func (s *KVStore) Issue(ctx context.Context, payload Payload) (string, error) {
	if payload.IssuedAtMillis == 0 {
		payload.IssuedAtMillis = s.now().UnixMilli()
	}
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if err := s.kv.Set(ctx, keyPrefix+token, string(raw), TTL); err != nil {
		s.logger.Printf("state token store unavailable, issuing encoded token: %v", err)
		return s.fallback.Issue(ctx, payload)
	}
	return token, nil
}

// ValidateAndConsume resolves and deletes the token in one step. A token not
// present in the store may still be an encoded fallback token, so decoding is
// attempted before giving up.
func (s *KVStore) ValidateAndConsume(ctx context.Context, token string) (Payload, error) {
	value, err := s.kv.GetDel(ctx, keyPrefix+token)
	if errors.Is(err, ErrNotFound) {
		return s.fallback.ValidateAndConsume(ctx, token)
	}
	if err != nil {
		s.logger.Printf("state token lookup failed, trying encoded fallback: %v", err)
		return s.fallback.ValidateAndConsume(ctx, token)
	}
	var payload Payload
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		return Payload{}, ErrInvalidToken
	}
	return payload, checkExpiry(payload, s.now())
}

// redisKV adapts a go-redis client to the KV contract.
type redisKV struct {
	client *redis.Client
}

// NewRedisKV connects to the store behind a redis URL.
func NewRedisKV(url string) (KV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &redisKV{client: redis.NewClient(opts)}, nil
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) GetDel(ctx context.Context, key string) (string, error) {
	value, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return value, err
}

func (r *redisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// NewStore picks a strategy by reachability: a reachable redis URL selects
// the one-time-use KV store, anything else selects the encoded fallback.
func NewStore(ctx context.Context, redisURL string, logger *log.Logger) Store {
	if logger == nil {
		logger = log.Default()
	}
	if redisURL == "" {
		logger.Printf("state token store: no redis url configured, using encoded tokens")
		return NewEncodedStore()
	}
	kv, err := NewRedisKV(redisURL)
	if err != nil {
		logger.Printf("state token store: redis url invalid, using encoded tokens: %v", err)
		return NewEncodedStore()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := kv.Ping(pingCtx); err != nil {
		logger.Printf("state token store: redis unreachable, using encoded tokens: %v", err)
		return NewEncodedStore()
	}
	return NewKVStore(kv, logger)
}

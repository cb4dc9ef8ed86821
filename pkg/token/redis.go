package token

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// opDeadline bounds every Redis round trip so a slow backend degrades
	// into ErrBackendUnavailable instead of stalling request handling.
	opDeadline = 2 * time.Second

	// kdfIterations is the PBKDF2 work factor for deriving the AES key
	// from the configured passphrase.
	kdfIterations = 100_000

	gcmNonceLen = 12
)

// defaultKDFSalt is used when no deployment salt is configured. The salt
// must be stable across process restarts so records written by one instance
// decrypt in the next.
var defaultKDFSalt = []byte("skyfence-token-kdf-salt")[:16]

// RedisStore parks records in Redis with native TTL expiry. Record payloads
// are AES-256-GCM encrypted under a key derived from the configured
// passphrase, so a Redis compromise does not expose originals. A failed
// GCM tag check is a hard error, not a miss.
type RedisStore struct {
	client *redis.Client
	aead   cipher.AEAD
}

// NewRedisStore connects to addr and verifies the connection with a ping.
// passphrase must be non-empty; the AES key is derived from it with
// PBKDF2-HMAC-SHA256. kdfSalt sets the deployment's KDF salt; nil selects
// the built-in default. Changing the salt orphans existing records.
func NewRedisStore(ctx context.Context, addr, passphrase string, kdfSalt []byte) (*RedisStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("redis token store requires an encryption passphrase")
	}
	if len(kdfSalt) == 0 {
		kdfSalt = defaultKDFSalt
	}

	key := pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	slog.Info("Redis token store initialized", "addr", addr)
	return &RedisStore{client: client, aead: aead}, nil
}

// Put implements Store using Redis native TTL.
func (s *RedisStore) Put(ctx context.Context, handle string, record Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sealed, err := s.seal(record)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()
	if err := s.client.Set(opCtx, storeKey(handle), sealed, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, handle string) (Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()

	sealed, err := s.client.Get(opCtx, storeKey(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrHandleMissing
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return s.open(sealed)
}

// ExtendTTL implements Store via EXPIRE.
func (s *RedisStore) ExtendTTL(ctx context.Context, handle string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opCtx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()

	ok, err := s.client.Expire(opCtx, storeKey(handle), ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return ErrHandleMissing
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// seal encrypts the JSON form of record. Output layout is
// nonce || ciphertext || tag.
func (s *RedisStore) seal(record Record) ([]byte, error) {
	plain, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token record: %w", err)
	}
	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// open decrypts a sealed record. Every failure here — truncation, a failed
// GCM tag check, undecodable plaintext — means the backend holds data this
// process cannot trust, which is a backend fault, not a miss.
func (s *RedisStore) open(sealed []byte) (Record, error) {
	if len(sealed) < gcmNonceLen {
		return Record{}, fmt.Errorf("%w: token record too short to decrypt", ErrBackendUnavailable)
	}
	plain, err := s.aead.Open(nil, sealed[:gcmNonceLen], sealed[gcmNonceLen:], nil)
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to decrypt token record: %v", ErrBackendUnavailable, err)
	}
	var record Record
	if err := json.Unmarshal(plain, &record); err != nil {
		return Record{}, fmt.Errorf("%w: failed to decode token record: %v", ErrBackendUnavailable, err)
	}
	return record, nil
}

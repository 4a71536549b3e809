package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"webldap/internal/models"
)

// RedisRequests keeps each request under its own key with a TTL matching its
// expiry, so expired requests disappear without a purge job. The claim is a
// separate key set with NX and the lease as PX.
type RedisRequests struct {
	rdb    *redis.Client
	prefix string
}

var _ RequestStore = (*RedisRequests)(nil)

func NewRedisRequests(rdb *redis.Client, prefix string) *RedisRequests {
	if prefix == "" {
		prefix = "webldap:req:"
	}
	return &RedisRequests{rdb: rdb, prefix: prefix}
}

type redisRecord struct {
	Kind      models.Kind     `json:"kind"`
	UID       string          `json:"uid"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
	ExpiresAt int64           `json:"expires_at"`
}

func (s *RedisRequests) key(tokenHash string) string      { return s.prefix + tokenHash }
func (s *RedisRequests) claimKey(tokenHash string) string { return s.prefix + tokenHash + ":claim" }

// the scripts only act when the claim still belongs to the caller
var (
	completeScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) == ARGV[1] then
  redis.call("DEL", KEYS[1], KEYS[2])
  return 1
end
return 0`)
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
  return 1
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) == ARGV[1] then
  redis.call("DEL", KEYS[2])
  return 1
end
return 0`)
)

func (s *RedisRequests) CreateRequest(ctx context.Context, req models.Request) error {
	kind, payload, err := models.EncodePayload(req.Payload)
	if err != nil {
		return err
	}
	ttl := req.ExpiresAt.Sub(req.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("request %s already expired", kind)
	}
	b, err := json.Marshal(redisRecord{
		Kind:      kind,
		UID:       req.UID,
		Payload:   payload,
		CreatedAt: req.CreatedAt.UnixMilli(),
		ExpiresAt: req.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.key(req.TokenHash), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis set request: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *RedisRequests) FindRequest(ctx context.Context, tokenHash string, now time.Time) (models.Request, error) {
	return s.load(ctx, tokenHash, now)
}

func (s *RedisRequests) load(ctx context.Context, tokenHash string, now time.Time) (models.Request, error) {
	b, err := s.rdb.Get(ctx, s.key(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Request{}, ErrNotFound
	}
	if err != nil {
		return models.Request{}, fmt.Errorf("redis get request: %w", err)
	}
	var rec redisRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return models.Request{}, fmt.Errorf("decode request record: %w", err)
	}
	if rec.ExpiresAt <= now.UnixMilli() {
		return models.Request{}, ErrNotFound
	}
	p, err := models.DecodePayload(rec.Kind, rec.Payload)
	if err != nil {
		return models.Request{}, err
	}
	return models.Request{
		TokenHash: tokenHash,
		UID:       rec.UID,
		Payload:   p,
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
		ExpiresAt: time.UnixMilli(rec.ExpiresAt).UTC(),
	}, nil
}

func (s *RedisRequests) Claim(ctx context.Context, tokenHash string, now time.Time, lease time.Duration) (models.Request, string, error) {
	claimID := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, s.claimKey(tokenHash), claimID, lease).Result()
	if err != nil {
		return models.Request{}, "", fmt.Errorf("redis claim request: %w", err)
	}
	if !ok {
		return models.Request{}, "", ErrNotFound
	}
	req, err := s.load(ctx, tokenHash, now)
	if err != nil {
		_, _ = releaseScript.Run(ctx, s.rdb, []string{s.key(tokenHash), s.claimKey(tokenHash)}, claimID).Result()
		return models.Request{}, "", err
	}
	return req, claimID, nil
}

// Renew resets the claim key's TTL. now is unused: the key's own TTL is the
// lease.
func (s *RedisRequests) Renew(ctx context.Context, tokenHash, claimID string, now time.Time, lease time.Duration) error {
	return s.runOwned(ctx, renewScript, tokenHash, claimID, lease.Milliseconds())
}

func (s *RedisRequests) Complete(ctx context.Context, tokenHash, claimID string) error {
	return s.runOwned(ctx, completeScript, tokenHash, claimID)
}

func (s *RedisRequests) Release(ctx context.Context, tokenHash, claimID string) error {
	return s.runOwned(ctx, releaseScript, tokenHash, claimID)
}

func (s *RedisRequests) runOwned(ctx context.Context, script *redis.Script, tokenHash, claimID string, args ...any) error {
	n, err := script.Run(ctx, s.rdb, []string{s.key(tokenHash), s.claimKey(tokenHash)}, append([]any{claimID}, args...)...).Int()
	if err != nil {
		return fmt.Errorf("redis script: %w", err)
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisRequests) DeleteRequest(ctx context.Context, tokenHash string) error {
	return s.rdb.Del(ctx, s.key(tokenHash), s.claimKey(tokenHash)).Err()
}

// PurgeExpired is a no-op: keys expire on their own.
func (s *RedisRequests) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisRequests) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "labresults:idem:"

// unlockScript deletes a lock only while it still carries our token, so an
// expired claim re-taken by another replica is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisStore shares entries and in-flight claims between server replicas.
// Redis owns expiry.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, tokens: make(map[string]string)}
}

func redisKey(key string) string { return redisKeyPrefix + key }

func redisLockKey(key string) string { return redisKeyPrefix + key + ":lock" }

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	val, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get idempotency entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		s.client.Del(ctx, redisKey(key))
		return nil, false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry) error {
	cp := cloneEntry(entry)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	ttl := time.Until(cp.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("set idempotency entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

func (s *RedisStore) Lock(ctx context.Context, key string) (bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, redisLockKey(key), token, lockTTL(s.ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("lock idempotency key: %w", err)
	}
	if ok {
		s.mu.Lock()
		s.tokens[key] = token
		s.mu.Unlock()
	}
	return ok, nil
}

func (s *RedisStore) Unlock(ctx context.Context, key string) error {
	s.mu.Lock()
	token, ok := s.tokens[key]
	delete(s.tokens, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unlockScript.Run(ctx, s.client, []string{redisLockKey(key)}, token).Err(); err != nil {
		return fmt.Errorf("unlock idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

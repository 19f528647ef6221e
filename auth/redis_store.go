package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	restbridge "github.com/opengovern/restbridge"
	"github.com/redis/go-redis/v9"
)

type cmdable interface {
	Get(context.Context, string) *redis.StringCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Del(context.Context, ...string) *redis.IntCmd
}

// RedisStore keeps the token pair in redis so several processes can share
// one session.
type RedisStore struct {
	store cmdable
	key   string
	ttl   time.Duration
}

// NewRedisStore stores under "<namespace>:auth_tokens". ttl 0 keeps the key
// until it is cleared.
func NewRedisStore(client redis.Cmdable, namespace string, ttl time.Duration) *RedisStore {
	return newRedisStore(client, namespace, ttl)
}

func newRedisStore(store cmdable, namespace string, ttl time.Duration) *RedisStore {
	key := StorageKey
	if namespace != "" {
		key = namespace + ":" + StorageKey
	}
	return &RedisStore{store: store, key: key, ttl: ttl}
}

func (r *RedisStore) Key() string { return r.key }

func (r *RedisStore) Load(ctx context.Context) (*restbridge.Tokens, error) {
	raw, err := r.store.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading tokens from redis: %w", err)
	}
	return decodeTokens(raw)
}

func (r *RedisStore) Save(ctx context.Context, tokens restbridge.Tokens) error {
	b, err := encodeTokens(tokens)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, r.key, string(b), r.ttl).Err(); err != nil {
		return fmt.Errorf("saving tokens to redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.store.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clearing tokens in redis: %w", err)
	}
	return nil
}

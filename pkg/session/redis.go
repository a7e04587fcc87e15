package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps the token pair under two keys in Redis, for clients that share a
// session across processes or hosts.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. prefix is prepended to both fixed keys.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore dials Redis and verifies connectivity before returning the store.
func OpenRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func (r *RedisStore) accessKey() string  { return r.prefix + KeyAccessToken }
func (r *RedisStore) refreshKey() string { return r.prefix + KeyRefreshToken }

func (r *RedisStore) Load(ctx context.Context) (Tokens, error) {
	values, err := r.client.MGet(ctx, r.accessKey(), r.refreshKey()).Result()
	if err != nil {
		return Tokens{}, fmt.Errorf("redis load tokens: %w", err)
	}
	return Tokens{Access: asString(values[0]), Refresh: asString(values[1])}, nil
}

func (r *RedisStore) Save(ctx context.Context, tokens Tokens) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if tokens.Access == "" {
			pipe.Del(ctx, r.accessKey())
		} else {
			pipe.Set(ctx, r.accessKey(), tokens.Access, 0)
		}
		if tokens.Refresh == "" {
			pipe.Del(ctx, r.refreshKey())
		} else {
			pipe.Set(ctx, r.refreshKey(), tokens.Refresh, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save tokens: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.accessKey(), r.refreshKey()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis clear tokens: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

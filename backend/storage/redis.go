package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

const redisKeyPrefix = "coderoom:doc:"

func init() {
	Register(func(ctx context.Context, _ *url.URL, raw string) (DocumentStore, error) {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, xerrors.Errorf("invalid redis dsn: %v", err)
		}
		return NewRedisStore(ctx, redis.NewClient(opts))
	}, "redis", "rediss")
}

// RedisStore keeps one string key per room. The expiry hint becomes the key TTL.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore checks the connection and returns a store on top of rdb.
func NewRedisStore(ctx context.Context, rdb redis.UniversalClient) (*RedisStore, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Errorf("failed to ping redis: %v", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func redisDocKey(roomID string) string {
	return fmt.Sprintf("%s%s", redisKeyPrefix, roomID)
}

// Get implements DocumentStore.
func (r *RedisStore) Get(ctx context.Context, roomID string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, redisDocKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to get %s: %v", roomID, err)
	}
	return data, nil
}

// Put implements DocumentStore.
func (r *RedisStore) Put(ctx context.Context, roomID string, data []byte, expiresAt time.Time) error {
	ttl, live := ttlUntil(expiresAt)
	if !live {
		return r.Delete(ctx, roomID)
	}

	if err := r.rdb.Set(ctx, redisDocKey(roomID), data, ttl).Err(); err != nil {
		return xerrors.Errorf("failed to set %s: %v", roomID, err)
	}
	return nil
}

// Delete implements DocumentStore.
func (r *RedisStore) Delete(ctx context.Context, roomID string) error {
	if err := r.rdb.Del(ctx, redisDocKey(roomID)).Err(); err != nil {
		return xerrors.Errorf("failed to delete %s: %v", roomID, err)
	}
	return nil
}

// Close implements DocumentStore.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

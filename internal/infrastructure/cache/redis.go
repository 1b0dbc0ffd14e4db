package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

// RedisSet stores members as plain keys with an expiry, so the set is shared
// by every process pointing at the same Redis.
type RedisSet struct {
	client *redis.Client
	prefix string
}

var _ ports.TTLSet = (*RedisSet)(nil)

// NewRedisSet connects lazily; call Ping to verify reachability.
func NewRedisSet(addr, password string, db int, prefix string) *RedisSet {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSet{client: rdb, prefix: prefix}
}

// Ping checks the connection.
func (s *RedisSet) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Store(errors.Wrap(err, "ping redis"))
	}
	return nil
}

// Add uses SET NX so concurrent adders agree on a single winner.
func (s *RedisSet) Add(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, errors.Store(errors.Wrapf(err, "setnx %s", key))
	}
	return ok, nil
}

// Contains reports whether key exists.
func (s *RedisSet) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, errors.Store(errors.Wrapf(err, "exists %s", key))
	}
	return n > 0, nil
}

// Close releases the connection pool.
func (s *RedisSet) Close() error {
	return s.client.Close()
}

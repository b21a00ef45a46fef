package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMiss is returned by Get when no live entry exists for a fingerprint.
var ErrMiss = errors.New("cache: miss")

// Store is the process-wide fingerprint cache shared by all concurrent tasks.
// Entries are content-addressed, so last-writer-wins on Put is safe.
type Store interface {
	// Get returns the cached payload and increments the entry's hit count,
	// or ErrMiss.
	Get(ctx context.Context, fingerprint string) ([]byte, error)
	// Put stores payload under fingerprint with a TTL.
	Put(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error
	// Hits returns the recorded hit count for a fingerprint.
	Hits(ctx context.Context, fingerprint string) (int64, error)
}

// RedisStore backs the fingerprint cache with Redis so overlapping topics
// from separate processes share entries. Hit counts live under a sibling key
// with the same TTL.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects and pings the Redis backend.
func NewRedisStore(addr, password string, db int, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, logger: logger}, nil
}

func hitsKey(fingerprint string) string { return fingerprint + ":hits" }

func (s *RedisStore) Get(ctx context.Context, fingerprint string) ([]byte, error) {
	b, err := s.client.Get(ctx, fingerprint).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if err := s.client.Incr(ctx, hitsKey(fingerprint)).Err(); err != nil {
		s.logger.Warn("cache hit counter increment failed",
			zap.String("fingerprint", fingerprint), zap.Error(err))
	}
	return b, nil
}

func (s *RedisStore) Put(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fingerprint, payload, ttl)
	pipe.SetNX(ctx, hitsKey(fingerprint), 0, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (s *RedisStore) Hits(ctx context.Context, fingerprint string) (int64, error) {
	n, err := s.client.Get(ctx, hitsKey(fingerprint)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache hits: %w", err)
	}
	return n, nil
}

// Ping reports backend connectivity, used by the health checker.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

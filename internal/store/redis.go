package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores document state as byte blobs. With a non-zero TTL,
// documents nobody has touched for that long expire; a later load
// simply starts the session empty.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient wraps an existing client (used by tests).
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: "syncdoc:", ttl: ttl}
}

func (s *Redis) key(name string) string {
	return s.prefix + name
}

func (s *Redis) LoadState(ctx context.Context, name string) ([]byte, error) {
	state, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state for %q: %w", name, err)
	}
	return state, nil
}

func (s *Redis) SaveState(ctx context.Context, name string, state []byte) error {
	if err := s.client.Set(ctx, s.key(name), state, s.ttl).Err(); err != nil {
		return fmt.Errorf("save state for %q: %w", name, err)
	}
	return nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrEncodeFailed = errors.New("failed to encode value")
	ErrDecodeFailed = errors.New("failed to decode value")
)

// Snapshots keeps the latest msgpack-encoded value of type T per name, under
// "<prefix>:<name>" keys.
type Snapshots[T any] struct {
	client redis.UniversalClient
	prefix string
}

func NewSnapshots[T any](client redis.UniversalClient, prefix string) *Snapshots[T] {
	return &Snapshots[T]{client: client, prefix: prefix}
}

// Key returns the Redis key holding name.
func (s *Snapshots[T]) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + ":" + name
}

// Put queues a write of value on pipe. ttl=0 keeps the key forever.
func (s *Snapshots[T]) Put(ctx context.Context, pipe redis.Pipeliner, name string, value T, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}
	pipe.Set(ctx, s.Key(name), data, ttl)
	return nil
}

// Load returns the stored value or ErrNotFound.
func (s *Snapshots[T]) Load(ctx context.Context, name string) (T, error) {
	var value T

	data, err := s.client.Get(ctx, s.Key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return value, ErrNotFound
	}
	if err != nil {
		return value, err
	}

	if err := msgpack.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	return value, nil
}

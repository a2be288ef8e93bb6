package dlq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

A single bounded list holds the quarantine in FIFO order:
- List: dlq:entries - JSON-encoded entries, oldest at the head

RPUSH + LTRIM keeps only the newest `capacity` entries, which matches the
bounded-FIFO eviction contract of Store.
*/

// RedisStore is a Redis-backed bounded FIFO store.
//
// Note that payloads round-trip through JSON, so an event popped from a
// RedisStore carries JSON-typed payload values (maps, strings, float64),
// not the original Go types.
type RedisStore struct {
	client   redis.Cmdable
	key      string
	capacity int
}

// NewRedisStore creates a Redis store with the given capacity.
// Capacities <= 0 fall back to DefaultCapacity.
func NewRedisStore(client redis.Cmdable, capacity int) *RedisStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisStore{
		client:   client,
		key:      "dlq:entries",
		capacity: capacity,
	}
}

// WithKey sets a custom list key.
func (s *RedisStore) WithKey(key string) *RedisStore {
	s.key = key
	return s
}

// Append adds an entry at the tail and trims the list to capacity,
// evicting the oldest entries.
func (s *RedisStore) Append(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, int64(-s.capacity), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// List returns all entries, oldest first.
func (s *RedisStore) List(ctx context.Context) ([]*Entry, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}
	return decodeAll(raw)
}

// Pop removes and returns up to max entries from the head.
func (s *RedisStore) Pop(ctx context.Context, max int) ([]*Entry, error) {
	if max <= 0 {
		return nil, nil
	}

	raw, err := s.client.LPopCount(ctx, s.key, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lpop: %w", err)
	}
	return decodeAll(raw)
}

// Count returns the list length.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen: %w", err)
	}
	return int(n), nil
}

// Clear deletes the list.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func decodeAll(raw []string) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)

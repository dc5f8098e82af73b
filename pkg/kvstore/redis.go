package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisMaxRetries = 10

// RedisStore keeps documents as plain string values. Updates use
// WATCH/MULTI so a concurrent writer forces a retry instead of a lost update.
type RedisStore struct {
	client     redis.UniversalClient
	namespace  string
	maxRetries int
}

// RedisOption tunes a RedisStore.
type RedisOption func(*RedisStore)

// WithMaxRetries bounds the optimistic retries of a single Update.
func WithMaxRetries(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewRedisStore creates a store whose keys are prefixed with namespace.
func NewRedisStore(client redis.UniversalClient, namespace string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		namespace:  namespace,
		maxRetries: defaultRedisMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(key string) string {
	return s.namespace + key
}

// Get returns the value stored at key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: redis get %q: %w", key, err)
	}
	return value, nil
}

// Update performs an optimistic read-modify-write of key.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	full := s.key(key)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var fnErr error

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, full).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return err
			}

			next, write, err := fn(current)
			if err != nil {
				fnErr = err
				return err
			}
			if !write {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, full)
				} else {
					pipe.Set(ctx, full, next, 0)
				}
				return nil
			})
			return err
		}, full)

		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return fmt.Errorf("kvstore: redis update %q: %w", key, err)
		}
	}

	return fmt.Errorf("kvstore: redis update %q: %w", key, ErrConflict)
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("kvstore: redis delete %q: %w", key, err)
	}
	return nil
}

// Keys walks the keyspace with SCAN, so it never blocks the server the way
// KEYS would.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(s.key(prefix)) + "*"

	keys := make([]string, 0)
	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, match, 200).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), s.namespace)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: redis scan %q: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Package kvstore provides the key-value medium shared by the replay store,
// the rate limiter and the risk scorer. Every backend offers atomic
// read-modify-write per key.
package kvstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key holds no document.
	ErrNotFound = errors.New("kvstore: not found")
	// ErrConflict is returned when an optimistic update kept losing races.
	ErrConflict = errors.New("kvstore: concurrent update conflict")
	// ErrSchemaMismatch is returned when a stored document has an unexpected
	// schema name or a newer version than the reader understands.
	ErrSchemaMismatch = errors.New("kvstore: schema mismatch")
	// ErrUnavailable is returned while the backend circuit breaker is open.
	ErrUnavailable = errors.New("kvstore: backend unavailable")
)

// UpdateFunc receives the current value of a key (nil when absent) and
// returns the value to store. When write is false nothing is written. A nil
// next with write set deletes the key.
//
// Backends with optimistic concurrency may invoke the function more than
// once, so it must not leak state between calls.
type UpdateFunc func(current []byte) (next []byte, write bool, err error)

// Store is a durable key-value medium with per-key atomic updates.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

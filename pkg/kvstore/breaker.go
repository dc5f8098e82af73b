package kvstore

import (
	"context"
	"errors"

	"github.com/richxcame/visitguard/pkg/resilience"
)

// BreakerStore fails fast with ErrUnavailable once the wrapped backend keeps
// failing. Missing keys, schema problems and errors produced by update
// callbacks never count against the backend.
type BreakerStore struct {
	inner   Store
	breaker *resilience.CircuitBreaker
}

// callerError marks an error produced by an UpdateFunc.
type callerError struct{ err error }

func (e callerError) Error() string { return e.err.Error() }
func (e callerError) Unwrap() error { return e.err }

// IsBackendHealthy reports whether err says nothing about backend health.
func IsBackendHealthy(err error) bool {
	var ce callerError
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrSchemaMismatch) || errors.As(err, &ce)
}

// NewBreakerStore wraps inner with a circuit breaker built from settings.
func NewBreakerStore(inner Store, settings resilience.Settings) *BreakerStore {
	settings.IsSuccessful = func(err error) bool {
		return err == nil || IsBackendHealthy(err)
	}
	cb := resilience.NewCircuitBreaker(settings, resilience.FailClosed(settings.Name, ErrUnavailable))
	return &BreakerStore{inner: inner, breaker: cb}
}

// Get reads through the breaker.
func (b *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return b.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	value, _ := out.([]byte)
	return value, nil
}

// Update writes through the breaker.
func (b *BreakerStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	_, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, b.inner.Update(ctx, key, func(current []byte) ([]byte, bool, error) {
			next, write, err := fn(current)
			if err != nil {
				return nil, false, callerError{err: err}
			}
			return next, write, nil
		})
	})

	var ce callerError
	if errors.As(err, &ce) {
		return ce.err
	}
	return err
}

// Delete removes key through the breaker.
func (b *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, b.inner.Delete(ctx, key)
	})
	return err
}

// Keys lists keys through the breaker.
func (b *BreakerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	out, err := b.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return b.inner.Keys(ctx, prefix)
	})
	if err != nil {
		return nil, err
	}
	keys, _ := out.([]string)
	return keys, nil
}

package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Codec wraps documents of type T in a versioned envelope so readers and
// writers cannot silently disagree on shape.
type Codec[T any] struct {
	Schema  string
	Version int
}

type envelope struct {
	Schema  string          `json:"schema"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// NewCodec returns a codec for schema at version.
func NewCodec[T any](schema string, version int) Codec[T] {
	return Codec[T]{Schema: schema, Version: version}
}

// Encode serializes v inside the envelope.
func (c Codec[T]) Encode(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kvstore: encode %s: %w", c.Schema, err)
	}
	return json.Marshal(envelope{Schema: c.Schema, Version: c.Version, Data: data})
}

// Decode parses raw. Documents from another schema or from a newer version
// are rejected with ErrSchemaMismatch.
func (c Codec[T]) Decode(raw []byte) (T, error) {
	var zero T

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrSchemaMismatch, c.Schema, err)
	}
	if env.Schema != c.Schema {
		return zero, fmt.Errorf("%w: want %s, got %q", ErrSchemaMismatch, c.Schema, env.Schema)
	}
	if env.Version < 1 || env.Version > c.Version {
		return zero, fmt.Errorf("%w: %s version %d unsupported (max %d)", ErrSchemaMismatch, c.Schema, env.Version, c.Version)
	}

	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrSchemaMismatch, c.Schema, err)
	}
	return v, nil
}

// Action tells UpdateDoc what to do with the document after the callback.
type Action int

const (
	// Keep leaves the stored document untouched.
	Keep Action = iota
	// Put stores the returned document.
	Put
	// Remove deletes the key.
	Remove
)

// DocFunc mutates a decoded document. found is false when the key was empty.
type DocFunc[T any] func(doc T, found bool) (T, Action, error)

// GetDoc reads and decodes key. found is false when the key is absent.
func GetDoc[T any](ctx context.Context, s Store, c Codec[T], key string) (doc T, found bool, err error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, err
	}
	doc, err = c.Decode(raw)
	if err != nil {
		return doc, false, fmt.Errorf("key %q: %w", key, err)
	}
	return doc, true, nil
}

// UpdateDoc runs fn on the decoded document under the key's atomic update.
func UpdateDoc[T any](ctx context.Context, s Store, c Codec[T], key string, fn DocFunc[T]) error {
	return s.Update(ctx, key, func(current []byte) ([]byte, bool, error) {
		var doc T
		found := current != nil
		if found {
			decoded, err := c.Decode(current)
			if err != nil {
				return nil, false, fmt.Errorf("key %q: %w", key, err)
			}
			doc = decoded
		}

		next, action, err := fn(doc, found)
		if err != nil {
			return nil, false, err
		}

		switch action {
		case Put:
			raw, err := c.Encode(next)
			if err != nil {
				return nil, false, err
			}
			return raw, true, nil
		case Remove:
			if !found {
				return nil, false, nil
			}
			return nil, true, nil
		default:
			return nil, false, nil
		}
	})
}

package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps documents in process memory. It is used by tests and by
// single-instance deployments that accept losing state on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys *keyLock
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		keys: newKeyLock(),
	}
}

// Get returns a copy of the stored value.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(value), nil
}

// Update runs fn while holding the lock for key.
func (m *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := m.keys.Lock(key)
	defer unlock()

	m.mu.RLock()
	current, ok := m.data[key]
	m.mu.RUnlock()

	var in []byte
	if ok {
		in = clone(current)
	}

	next, write, err := fn(in)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if next == nil {
		delete(m.data, key)
	} else {
		m.data[key] = clone(next)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	unlock := m.keys.Lock(key)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys lists stored keys with the given prefix.
func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

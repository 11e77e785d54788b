package bizsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// ============================================================================
// LocalStore
// ============================================================================

// LocalStore is a durable key-value store that survives restarts.
// GetItem returns (nil, nil) for a missing key.
//
// Each entity kind occupies one key holding its whole collection, so every
// write replaces the full array. That is fine for tens to low hundreds of
// records per user; larger datasets need indexed storage instead.
type LocalStore interface {
	GetItem(ctx context.Context, key string) ([]byte, error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
}

// LoadItem decodes the value under key. ok is false when the key is empty.
func LoadItem[T any](ctx context.Context, s LocalStore, key string) (v T, ok bool, err error) {
	data, err := s.GetItem(ctx, key)
	if err != nil {
		return v, false, storageError("reading "+key, err)
	}
	if len(data) == 0 {
		return v, false, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, storageError("decoding "+key, err)
	}
	return v, true, nil
}

// SaveItem encodes v and writes it under key.
func SaveItem[T any](ctx context.Context, s LocalStore, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storageError("encoding "+key, err)
	}
	if err := s.SetItem(ctx, key, data); err != nil {
		return storageError("writing "+key, err)
	}
	return nil
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory LocalStore, for tests and
// sessions that do not need to survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

var _ LocalStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (s *MemoryStore) GetItem(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) SetItem(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Keys lists stored keys in order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package memstore provides the in-memory KV store used by default probes.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/provide-io/tofusoup-go/kv"
)

// Store keeps entries in process memory. Values are copied on the way in
// and out, so callers can never alias stored bytes.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func New() *Store {
	return &Store{entries: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := kv.ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.mu.Lock()
	s.entries[key] = stored
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Backend names accepted by config storage.backend.
const (
	BackendSQLite    = "sqlite"
	BackendMemcached = "memcached"
	BackendInMemory  = "in_memory"
)

// KVStore is the durable key-value store behind locations, conditions snapshots,
// forecast cache entries and last-attempt markers. Values are opaque bytes, written whole.
type KVStore interface {
	// Get returns (value, true, nil) when key exists, (nil, false, nil) when it does not.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping checks that the backend is reachable. Used by /health.
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore implements KVStore with a mutex-guarded map. Contents do not survive the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements KVStore.Get. The returned slice is a copy.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements KVStore.Set.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements KVStore.Delete.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Ping implements KVStore.Ping.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements KVStore.Close.
func (s *MemoryStore) Close() error { return nil }

// Keys returns the number of stored keys.
func (s *MemoryStore) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend               string
	SQLitePath            string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
}

// Open builds the KVStore named by opts.Backend.
func Open(opts Options) (KVStore, error) {
	switch opts.Backend {
	case BackendSQLite:
		return NewSQLiteStore(opts.SQLitePath)
	case BackendMemcached:
		return NewMemcachedStore(opts.MemcachedAddrs, opts.MemcachedTimeout, opts.MemcachedMaxIdleConns)
	case BackendInMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

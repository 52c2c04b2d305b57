package kv

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore implements Store in process memory using ttlcache.
// It is meant for single-instance deployments and tests; state is lost on
// restart and is not shared between replicas.
type MemoryStore struct {
	// mu serializes conditional writes (SetExisting, Expire) against deletes
	mu    sync.Mutex
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryStore creates a memory store and starts its expiry loop.
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go cache.Start()

	return &MemoryStore{cache: cache}
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Set(key, clone(value), ttl)
	return nil
}

// SetExisting implements Store.
func (s *MemoryStore) SetExisting(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache.Get(key) == nil {
		return false, nil
	}
	s.cache.Set(key, clone(value), ttl)
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	item := s.cache.Get(key)
	if item == nil {
		return nil, ErrNotFound
	}
	return clone(item.Value()), nil
}

// GetDel implements Store.
func (s *MemoryStore) GetDel(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.cache.GetAndDelete(key)
	if !ok || item == nil {
		return nil, ErrNotFound
	}
	if time.Now().After(item.ExpiresAt()) {
		return nil, ErrNotFound
	}
	return item.Value(), nil
}

// Del implements Store.
func (s *MemoryStore) Del(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache.Get(key) == nil {
		return false, nil
	}
	s.cache.Delete(key)
	return true, nil
}

// Expire implements Store.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(key)
	if item == nil {
		return false, nil
	}
	s.cache.Set(key, item.Value(), ttl)
	return true, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the expiry loop.
func (s *MemoryStore) Close() error {
	s.cache.Stop()
	return nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

package cache

import (
	"context"
	"sync"
	"time"
)

// Stats reports cache observability counters.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// Store is a key/value store with per-entry TTL.
//
// All operations are total over the key space: Get on a missing or expired
// key reports absence, never an error.
type Store interface {
	Set(key string, value any, ttl time.Duration)
	Get(key string) (any, bool)
	Delete(key string)
	Clear()
	Stats() Stats
	Healthy() bool
}

type entry struct {
	value     any
	storedAt  time.Time
	expiresAt time.Time
}

// MemoryStore is an in-memory TTL cache. Expiry is evaluated lazily on read;
// StartSweeper adds an optional background sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	hits    uint64
	misses  uint64

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewMemoryStore creates a memory-backed cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		Now:     time.Now,
	}
}

// Set stores value under key with an absolute expiry of now+ttl.
// A non-positive ttl stores the entry without expiry.
func (s *MemoryStore) Set(key string, value any, ttl time.Duration) {
	now := s.Now()
	stored := entry{value: value, storedAt: now}
	if ttl > 0 {
		stored.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = stored
	s.mu.Unlock()
}

// Get returns the stored value, or absence if the key is missing or past TTL.
// Expired entries are removed on read.
func (s *MemoryStore) Get(key string) (any, bool) {
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}
	if !stored.expiresAt.IsZero() && now.After(stored.expiresAt) {
		delete(s.entries, key)
		s.misses++
		return nil, false
	}
	s.hits++
	return stored.value, true
}

// Delete removes key.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Clear removes all entries.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
}

// Stats returns hit/miss counters and current entry count.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Hits: s.hits, Misses: s.misses, Size: len(s.entries)}
}

// Healthy reports whether the cache can serve a write/read/delete round trip.
func (s *MemoryStore) Healthy() bool {
	const probe = "cache:health:probe"
	s.Set(probe, "ok", time.Minute)
	_, ok := s.Get(probe)
	s.Delete(probe)
	return ok
}

// Sweep removes all expired entries.
func (s *MemoryStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, stored := range s.entries {
		if !stored.expiresAt.IsZero() && now.After(stored.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// StartSweeper runs a periodic sweep until ctx is cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(s.Now())
			}
		}
	}()
}

package store

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	score  int64
	member string
}

type keyState struct {
	entries   []entry
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-node deployments and tests.
// A single mutex serializes all keys; the per-key purge-count-insert
// sequence is therefore trivially atomic.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*keyState
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*keyState),
		now:  time.Now,
	}
}

// SlideWindow implements Store.
func (s *MemoryStore) SlideWindow(_ context.Context, key string, windowStart, now int64, member string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks := s.getKey(key)
	ks.purge(windowStart)
	count := int64(len(ks.entries))
	ks.entries = append(ks.entries, entry{score: now, member: member})
	ks.expiresAt = s.now().Add(ttl)
	return count, nil
}

// RemoveMember implements Store.
func (s *MemoryStore) RemoveMember(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.keys[key]
	if !ok {
		return nil
	}
	for i, e := range ks.entries {
		if e.member == member {
			ks.entries = append(ks.entries[:i], ks.entries[i+1:]...)
			break
		}
	}
	return nil
}

// PurgeCount implements Store.
func (s *MemoryStore) PurgeCount(_ context.Context, key string, windowStart int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.keys[key]
	if !ok {
		return 0, nil
	}
	if s.expired(ks) {
		delete(s.keys, key)
		return 0, nil
	}
	ks.purge(windowStart)
	return int64(len(ks.entries)), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]*keyState)
	return nil
}

// getKey returns the live state for key, discarding it first if its TTL
// lapsed. Must be called with s.mu held.
func (s *MemoryStore) getKey(key string) *keyState {
	ks, ok := s.keys[key]
	if ok && s.expired(ks) {
		delete(s.keys, key)
		ok = false
	}
	if !ok {
		ks = &keyState{}
		s.keys[key] = ks
	}
	return ks
}

func (s *MemoryStore) expired(ks *keyState) bool {
	return !ks.expiresAt.IsZero() && s.now().After(ks.expiresAt)
}

// purge drops entries at or before windowStart.
func (ks *keyState) purge(windowStart int64) {
	kept := ks.entries[:0]
	for _, e := range ks.entries {
		if e.score > windowStart {
			kept = append(kept, e)
		}
	}
	ks.entries = kept
}

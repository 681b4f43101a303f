package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory. Expired entries are evicted
// by a background sweep until Stop is called.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	locks   map[string]time.Time
	ttl     time.Duration
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a store with the given TTL; zero or negative means
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		entries: make(map[string]*Entry),
		locks:   make(map[string]time.Time),
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop(sweepInterval(ttl))
	return s
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Hour {
		return ttl
	}
	return time.Hour
}

func (s *MemoryStore) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

// Stop ends the background sweep. It is safe to call more than once.
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
		}
	}
	for key, until := range s.locks {
		if now.After(until) {
			delete(s.locks, key)
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok || s.nowFunc().After(entry.ExpiresAt) {
		return nil, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) error {
	cp := cloneEntry(entry)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.nowFunc()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Lock(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	if until, held := s.locks[key]; held && !now.After(until) {
		return false, nil
	}
	s.locks[key] = now.Add(lockTTL(s.ttl))
	return true, nil
}

func (s *MemoryStore) Unlock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

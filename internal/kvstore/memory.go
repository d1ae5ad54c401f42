package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. Suitable for single-instance
// deployments and tests; multi-instance deployments need a distributed store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry

	janitorInterval time.Duration
	stopJanitor     chan struct{}
	stopOnce        sync.Once
}

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemoryStore creates a memory store with a 1 minute janitor interval.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithJanitor(time.Minute)
}

// NewMemoryStoreWithJanitor creates a memory store with a custom sweep interval.
func NewMemoryStoreWithJanitor(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]entry),
		janitorInterval: interval,
		stopJanitor:     make(chan struct{}),
	}
	go s.janitorLoop()
	return s
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopJanitor) })
	return nil
}

func (s *MemoryStore) janitorLoop() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopJanitor:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	for k, e := range s.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

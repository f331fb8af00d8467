package lock

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps leases in process memory. It gives mutual exclusion only
// within one process and is meant for single-node deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	leases *ttlcache.Cache[string, string]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: ttlcache.New[string, string](
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

func (s *MemoryStore) holder(key string) (string, bool) {
	item := s.leases.Get(key)
	if item == nil || item.IsExpired() {
		return "", false
	}
	return item.Value(), true
}

func (s *MemoryStore) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases.DeleteExpired()
	if _, held := s.holder(key); held {
		return false, nil
	}
	s.leases.Set(key, token, ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, held := s.holder(key)
	if !held || current != token {
		return false, nil
	}
	s.leases.Delete(key)
	return true, nil
}

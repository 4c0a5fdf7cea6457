package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryService is a process-local Service, suitable for single-instance
// deployments and tests. Expired leases are reaped lazily on the next
// acquisition attempt for the same key.
type MemoryService struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryService() *MemoryService {
	return &MemoryService{held: map[string]time.Time{}, clock: time.Now}
}

func (s *MemoryService) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if expiry, ok := s.held[key]; ok && now.Before(expiry) {
		return nil, false, nil
	}
	s.held[key] = now.Add(ttl)
	return &memoryLease{svc: s, key: key}, true, nil
}

type memoryLease struct {
	svc *MemoryService
	key string
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	delete(l.svc.held, l.key)
	return nil
}

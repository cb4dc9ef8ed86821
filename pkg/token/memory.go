package token

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// memoryRecord pairs a record with its expiry deadline.
type memoryRecord struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore is the default single-process backend: a mutex-guarded map
// with a background sweeper that evicts expired records.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMemoryStore starts the store and its sweeper. sweepInterval <= 0
// selects DefaultTTL/10.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = DefaultTTL / 10
	}
	s := &MemoryStore{
		records: make(map[string]memoryRecord),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweepLoop(sweepInterval)
	slog.Info("In-memory token store initialized", "sweep_interval", sweepInterval)
	return s
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, handle string, record Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[storeKey(handle)] = memoryRecord{
		record:    record,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Get implements Store. Expired records are treated as missing even before
// the sweeper removes them.
func (s *MemoryStore) Get(_ context.Context, handle string) (Record, error) {
	s.mu.RLock()
	mr, ok := s.records[storeKey(handle)]
	s.mu.RUnlock()
	if !ok || time.Now().After(mr.expiresAt) {
		return Record{}, ErrHandleMissing
	}
	return mr.record, nil
}

// ExtendTTL implements Store.
func (s *MemoryStore) ExtendTTL(_ context.Context, handle string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(handle)
	mr, ok := s.records[key]
	if !ok || time.Now().After(mr.expiresAt) {
		return ErrHandleMissing
	}
	mr.expiresAt = time.Now().Add(ttl)
	s.records[key] = mr
	return nil
}

// Len returns the number of stored records, expired included until swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close stops the sweeper. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, mr := range s.records {
		if now.After(mr.expiresAt) {
			delete(s.records, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Token store sweep completed", "removed", removed, "remaining", len(s.records))
	}
}

package importer

// jobstore.go defines the pluggable storage behind the progress tracker.
//
// The tracker serializes jobs to JSON and stores them under their job id,
// so the store only needs byte-value get/set with a TTL. Two backends
// exist: an in-process map for single-node deployments and tests, and a
// Postgres table acting as an external TTL cache (jobstore_postgres.go).

import (
	"context"
	"sync"
	"time"
)

// JobStore is the byte-value TTL store the ProgressTracker persists jobs in.
type JobStore interface {
	// Get returns the stored value, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores a value. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// Keys lists the currently stored (non-expired) keys.
	Keys(ctx context.Context) ([]string, error)
}

// MemoryJobStore is an in-process JobStore with per-entry expiry.
// Expired entries are dropped lazily on access and by Keys.
type MemoryJobStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryJobStore creates an empty in-memory store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryJobStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryJobStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryJobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryJobStore) Keys(_ context.Context) ([]string, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

package audit

import (
	"context"
	"sync"
)

// MemorySink keeps entries in memory. Used by tests and the dry-run
// code paths.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append records the entry.
func (s *MemorySink) Append(_ context.Context, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

// List returns the tenant's entries, newest first.
func (s *MemorySink) List(_ context.Context, tenantID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []Entry
	for _, e := range s.entries {
		if e.TenantID == tenantID {
			entries = append(entries, e)
		}
	}
	sortNewestFirst(entries)
	return entries, nil
}

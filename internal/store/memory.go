package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vaultpilot/vaultpilot/internal/credential"
)

// MemoryCredentialStore is an in-memory CredentialStore for tests and
// local development.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]credential.Credential
}

// NewMemoryCredentialStore creates an empty in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]credential.Credential)}
}

func (s *MemoryCredentialStore) Get(ctx context.Context, tenantID, id string) (*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[id]
	if !ok || cred.TenantID != tenantID {
		return nil, ErrNotFound
	}
	copied := cred
	return &copied, nil
}

func (s *MemoryCredentialStore) Create(ctx context.Context, cred credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creds[cred.ID]; exists {
		return ErrAlreadyExists
	}
	s.creds[cred.ID] = cred
	return nil
}

func (s *MemoryCredentialStore) Update(ctx context.Context, cred credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.creds[cred.ID]
	if !ok || existing.TenantID != cred.TenantID {
		return ErrNotFound
	}
	s.creds[cred.ID] = cred
	return nil
}

func (s *MemoryCredentialStore) Query(ctx context.Context, tenantID string, filter CredentialFilter) ([]credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []credential.Credential
	for _, cred := range s.creds {
		if cred.TenantID != tenantID {
			continue
		}
		if matchesFilter(cred, filter) {
			results = append(results, cred)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

func (s *MemoryCredentialStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[id]
	if !ok || cred.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.creds, id)
	return nil
}

func (s *MemoryCredentialStore) Count(ctx context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, cred := range s.creds {
		if cred.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

// MemoryAttemptStore is an in-memory append-only attempt log.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts []credential.Attempt
}

// NewMemoryAttemptStore creates an empty in-memory attempt store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{}
}

func (s *MemoryAttemptStore) Append(ctx context.Context, attempt credential.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *MemoryAttemptStore) Latest(ctx context.Context, tenantID, credentialID string) (*credential.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if a.TenantID == tenantID && a.CredentialID == credentialID {
			copied := a
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryAttemptStore) ListByCredential(ctx context.Context, tenantID, credentialID string, limit int) ([]credential.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []credential.Attempt
	for i := len(s.attempts) - 1; i >= 0; i-- {
		a := s.attempts[i]
		if a.TenantID == tenantID && a.CredentialID == credentialID {
			results = append(results, a)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func (s *MemoryAttemptStore) CountSuccessesSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.attempts {
		if a.TenantID == tenantID && a.Status == credential.AttemptSuccess && !a.StartTime.Before(since) {
			count++
		}
	}
	return count, nil
}

// MemoryBackupStore is an in-memory BackupStore.
type MemoryBackupStore struct {
	mu      sync.RWMutex
	backups map[string]credential.Backup
}

// NewMemoryBackupStore creates an empty in-memory backup store.
func NewMemoryBackupStore() *MemoryBackupStore {
	return &MemoryBackupStore{backups: make(map[string]credential.Backup)}
}

func (s *MemoryBackupStore) Put(ctx context.Context, backup credential.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[backup.ID] = backup
	return nil
}

func (s *MemoryBackupStore) Get(ctx context.Context, tenantID, id string) (*credential.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	backup, ok := s.backups[id]
	if !ok || backup.TenantID != tenantID {
		return nil, ErrNotFound
	}
	copied := backup
	return &copied, nil
}

func (s *MemoryBackupStore) ActiveForCredential(ctx context.Context, tenantID, credentialID string) (*credential.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	for _, backup := range s.backups {
		if backup.TenantID == tenantID && backup.CredentialID == credentialID && !backup.Expired(now) {
			copied := backup
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryBackupStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup, ok := s.backups[id]
	if !ok || backup.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.backups, id)
	return nil
}

func (s *MemoryBackupStore) ListExpired(ctx context.Context, now time.Time) ([]credential.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []credential.Backup
	for _, backup := range s.backups {
		if backup.Expired(now) {
			expired = append(expired, backup)
		}
	}
	return expired, nil
}

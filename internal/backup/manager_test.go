package backup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultpilot/vaultpilot/internal/audit"
	"github.com/vaultpilot/vaultpilot/internal/backends"
	"github.com/vaultpilot/vaultpilot/internal/backup"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/notifications"
	"github.com/vaultpilot/vaultpilot/internal/store"
)

// recordingBackend captures Restore calls.
type recordingBackend struct {
	mu         sync.Mutex
	restored   []string
	restoreErr error
}

func (b *recordingBackend) CurrentValue(ctx context.Context, cred credential.Credential) (string, error) {
	return "current", nil
}

func (b *recordingBackend) Rotate(ctx context.Context, cred credential.Credential) (*backends.RotationOutcome, error) {
	return &backends.RotationOutcome{NewValue: "new"}, nil
}

func (b *recordingBackend) Restore(ctx context.Context, cred credential.Credential, oldValue string) error {
	if b.restoreErr != nil {
		return b.restoreErr
	}
	b.mu.Lock()
	b.restored = append(b.restored, oldValue)
	b.mu.Unlock()
	return nil
}

// captureNotifier records published events synchronously.
type captureNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *captureNotifier) Publish(event notifications.Event) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

type fixture struct {
	manager  *backup.Manager
	backups  *store.MemoryBackupStore
	backend  *recordingBackend
	sink     *audit.MemorySink
	notifier *captureNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backups := store.NewMemoryBackupStore()
	backend := &recordingBackend{}
	registry := backends.NewRegistry()
	registry.Register(credential.TypeAPIToken, backend)
	sink := audit.NewMemorySink()
	notifier := &captureNotifier{}
	manager := backup.NewManager(backups, registry, sink, notifier, logging.New(false, true))
	return &fixture{manager: manager, backups: backups, backend: backend, sink: sink, notifier: notifier}
}

func testCredential() credential.Credential {
	return credential.Credential{
		ID:       "cred-1",
		TenantID: "t1",
		Name:     "payments-token",
		Type:     credential.TypeAPIToken,
	}
}

func TestCreateSnapshotsWithRetentionWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	backup, err := f.manager.Create(ctx, testCredential(), "secret-value")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", backup.OldValue)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), backup.ExpiresAt, time.Minute)

	stored, err := f.backups.Get(ctx, "t1", backup.ID)
	require.NoError(t, err)
	assert.Equal(t, backup.ID, stored.ID)

	entries, err := f.sink.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionBackupCreated, entries[0].Action)
}

func TestCreateSupersedesPriorBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.Create(ctx, testCredential(), "value-1")
	require.NoError(t, err)
	second, err := f.manager.Create(ctx, testCredential(), "value-2")
	require.NoError(t, err)

	_, err = f.backups.Get(ctx, "t1", first.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	active, err := f.backups.ActiveForCredential(ctx, "t1", "cred-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestRollbackRestoresValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.manager.Create(ctx, testCredential(), "pre-rotation-value")
	require.NoError(t, err)

	require.NoError(t, f.manager.Rollback(ctx, testCredential(), created.ID))
	assert.Equal(t, []string{"pre-rotation-value"}, f.backend.restored)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, notifications.EventRolledBack, f.notifier.events[0].Type)
	assert.Equal(t, notifications.SeverityWarning, f.notifier.events[0].Severity)
}

func TestRollbackMissingOrExpiredBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var notFound *vperrors.BackupNotFoundError
	err := f.manager.Rollback(ctx, testCredential(), "no-such-backup")
	require.ErrorAs(t, err, &notFound)

	// An expired snapshot is as good as absent.
	expired := credential.Backup{
		ID:             credential.NewID(),
		CredentialID:   "cred-1",
		TenantID:       "t1",
		CredentialType: credential.TypeAPIToken,
		OldValue:       "stale",
		ExpiresAt:      time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.backups.Put(ctx, expired))
	err = f.manager.Rollback(ctx, testCredential(), expired.ID)
	require.ErrorAs(t, err, &notFound)
	assert.Empty(t, f.backend.restored)
}

func TestRollbackRestoreFailureIsRollbackError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.restoreErr = assert.AnError

	created, err := f.manager.Create(ctx, testCredential(), "value")
	require.NoError(t, err)

	err = f.manager.Rollback(ctx, testCredential(), created.ID)
	var rollbackErr *vperrors.RollbackError
	require.ErrorAs(t, err, &rollbackErr)
	assert.Equal(t, "cred-1", rollbackErr.CredentialID)
}

func TestCreateStoreFailureIsBackupCreationError(t *testing.T) {
	f := newFixture(t)

	// The memory store never fails; wrap it with one that does.
	failing := &failingBackupStore{BackupStore: f.backups}
	manager := backup.NewManager(failing, backends.NewRegistry(), f.sink, f.notifier, logging.New(false, true))

	_, err := manager.Create(context.Background(), testCredential(), "value")
	var creationErr *vperrors.BackupCreationError
	require.ErrorAs(t, err, &creationErr)
	assert.Equal(t, "cred-1", creationErr.CredentialID)
}

type failingBackupStore struct {
	store.BackupStore
}

func (s *failingBackupStore) Put(ctx context.Context, backup credential.Backup) error {
	return assert.AnError
}

func TestCleanupExpiredSweepsOnlyExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live, err := f.manager.Create(ctx, testCredential(), "live")
	require.NoError(t, err)

	expired := credential.Backup{
		ID:             credential.NewID(),
		CredentialID:   "cred-2",
		TenantID:       "t2",
		CredentialType: credential.TypeAPIToken,
		ExpiresAt:      time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, f.backups.Put(ctx, expired))

	removed := f.manager.CleanupExpired(ctx)
	assert.Equal(t, 1, removed)

	_, err = f.backups.Get(ctx, "t2", expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.backups.Get(ctx, "t1", live.ID)
	assert.NoError(t, err)
}

// Package backup manages pre-rotation snapshots: creating them before
// any external mutation, restoring from them when a rotation fails,
// and sweeping them once their retention window passes.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vaultpilot/vaultpilot/internal/audit"
	"github.com/vaultpilot/vaultpilot/internal/backends"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/health"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/notifications"
	"github.com/vaultpilot/vaultpilot/internal/store"
)

// Notifier is the slice of the notification manager the backup
// manager uses.
type Notifier interface {
	Publish(event notifications.Event)
}

// Manager creates and consumes credential backups.
type Manager struct {
	backups  store.BackupStore
	registry *backends.Registry
	sink     audit.Sink
	notifier Notifier
	logger   *logging.Logger
}

// NewManager creates a backup manager.
func NewManager(backups store.BackupStore, registry *backends.Registry, sink audit.Sink, notifier Notifier, logger *logging.Logger) *Manager {
	return &Manager{
		backups:  backups,
		registry: registry,
		sink:     sink,
		notifier: notifier,
		logger:   logger,
	}
}

// Create snapshots the credential's current value with a 24h retention
// window. Any prior unexpired backup for the credential is superseded
// (deleted) so rollback always resolves to exactly one snapshot. A
// store failure comes back as BackupCreationError, which aborts the
// rotation before anything external is touched.
func (m *Manager) Create(ctx context.Context, cred credential.Credential, currentValue string) (*credential.Backup, error) {
	now := time.Now().UTC()
	backup := credential.Backup{
		ID:              credential.NewID(),
		CredentialID:    cred.ID,
		TenantID:        cred.TenantID,
		CredentialName:  cred.Name,
		CredentialType:  cred.Type,
		OldValue:        currentValue,
		BackupTimestamp: now,
		ExpiresAt:       now.Add(credential.BackupRetention),
	}

	if prior, err := m.backups.ActiveForCredential(ctx, cred.TenantID, cred.ID); err == nil {
		if delErr := m.backups.Delete(ctx, cred.TenantID, prior.ID); delErr != nil {
			return nil, &vperrors.BackupCreationError{CredentialID: cred.ID, Err: fmt.Errorf("supersede backup %s: %w", prior.ID, delErr)}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, &vperrors.BackupCreationError{CredentialID: cred.ID, Err: err}
	}

	if err := m.backups.Put(ctx, backup); err != nil {
		return nil, &vperrors.BackupCreationError{CredentialID: cred.ID, Err: err}
	}

	m.sink.Append(ctx, audit.NewEntry(cred.TenantID, audit.ActionBackupCreated, cred.ID, "system", map[string]string{
		"backupId":  backup.ID,
		"expiresAt": backup.ExpiresAt.Format(time.RFC3339),
	}))
	m.logger.Debug("created backup %s for credential %s", backup.ID, cred.ID)
	return &backup, nil
}

// Rollback restores a credential to its backed-up value. An absent or
// expired backup is BackupNotFoundError; a restore failure is
// RollbackError, which the caller must escalate.
func (m *Manager) Rollback(ctx context.Context, cred credential.Credential, backupID string) error {
	backup, err := m.backups.Get(ctx, cred.TenantID, backupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &vperrors.BackupNotFoundError{BackupID: backupID}
		}
		return &vperrors.RollbackError{CredentialID: cred.ID, BackupID: backupID, Err: err}
	}
	if backup.Expired(time.Now().UTC()) {
		return &vperrors.BackupNotFoundError{BackupID: backupID}
	}

	backend, err := m.registry.For(backup.CredentialType)
	if err != nil {
		return &vperrors.RollbackError{CredentialID: cred.ID, BackupID: backupID, Err: err}
	}

	if err := backend.Restore(ctx, cred, backup.OldValue); err != nil {
		return &vperrors.RollbackError{CredentialID: cred.ID, BackupID: backupID, Err: err}
	}

	m.sink.Append(ctx, audit.NewEntry(cred.TenantID, audit.ActionRotationRolledBack, cred.ID, "system", map[string]string{
		"backupId": backupID,
	}))

	event := notifications.NewEvent(notifications.EventRolledBack, cred)
	event.Metadata = map[string]string{"backupId": backupID}
	m.notifier.Publish(event)

	m.logger.Info("rolled back credential %s from backup %s", cred.ID, backupID)
	return nil
}

// CleanupExpired sweeps backups past their retention window and
// returns how many were removed. Errors are logged, never returned:
// the sweep is a maintenance pass and DynamoDB TTL catches stragglers.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	expired, err := m.backups.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Warn("backup sweep: list expired: %v", err)
		return 0
	}

	removed := 0
	for _, backup := range expired {
		if err := m.backups.Delete(ctx, backup.TenantID, backup.ID); err != nil {
			m.logger.Warn("backup sweep: delete %s: %v", backup.ID, err)
			continue
		}
		m.sink.Append(ctx, audit.NewEntry(backup.TenantID, audit.ActionBackupExpired, backup.CredentialID, "system", map[string]string{
			"backupId": backup.ID,
		}))
		removed++
	}

	if removed > 0 {
		health.AddBackupsPurged(removed)
		m.logger.Info("backup sweep removed %d expired backups", removed)
	}
	return removed
}

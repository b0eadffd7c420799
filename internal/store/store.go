// Package store provides tenant-scoped persistence for credentials, the
// rotation attempt log, and pre-rotation backups.
//
// Every read and write is scoped to a tenant id at the interface level;
// there is no unfiltered code path. A lookup that misses, or hits a
// record owned by another tenant, reports ErrNotFound — callers cannot
// distinguish the two cases.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vaultpilot/vaultpilot/internal/credential"
)

// ErrNotFound is returned for lookup misses and cross-tenant hits alike.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned by a conditional create when the id is
// taken. It closes the quota check-then-act race for creation.
var ErrAlreadyExists = errors.New("record already exists")

// CredentialFilter narrows a tenant-scoped credential query. Zero-value
// fields are ignored.
type CredentialFilter struct {
	// Type restricts results to one credential type.
	Type credential.Type

	// Status restricts results to one lifecycle status.
	Status credential.Status

	// DueWithinDays, when non-nil, selects credentials with
	// ExpiresInDays below the threshold or already marked expiring.
	DueWithinDays *int
}

// CredentialStore persists credential records.
type CredentialStore interface {
	// Get returns the credential owned by tenantID, or ErrNotFound.
	Get(ctx context.Context, tenantID, id string) (*credential.Credential, error)

	// Create writes a new credential. Returns ErrAlreadyExists if the
	// id is already taken (conditional write).
	Create(ctx context.Context, cred credential.Credential) error

	// Update overwrites an existing credential owned by its tenant.
	Update(ctx context.Context, cred credential.Credential) error

	// Query returns all credentials for the tenant matching the filter.
	Query(ctx context.Context, tenantID string, filter CredentialFilter) ([]credential.Credential, error)

	// Delete removes the credential owned by tenantID.
	Delete(ctx context.Context, tenantID, id string) error

	// Count returns the number of credentials the tenant owns.
	Count(ctx context.Context, tenantID string) (int, error)
}

// AttemptStore persists the append-only rotation attempt log.
type AttemptStore interface {
	// Append writes a new attempt record. Records are never updated.
	Append(ctx context.Context, attempt credential.Attempt) error

	// Latest returns the newest record for a credential, or ErrNotFound
	// when the credential has never been rotated.
	Latest(ctx context.Context, tenantID, credentialID string) (*credential.Attempt, error)

	// ListByCredential returns records for a credential, newest first.
	ListByCredential(ctx context.Context, tenantID, credentialID string, limit int) ([]credential.Attempt, error)

	// CountSuccessesSince counts successful attempts for the tenant
	// starting at the given time. Used for monthly rotation quotas.
	CountSuccessesSince(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// BackupStore persists pre-rotation snapshots.
type BackupStore interface {
	// Put writes a backup record.
	Put(ctx context.Context, backup credential.Backup) error

	// Get returns the backup owned by tenantID, or ErrNotFound.
	Get(ctx context.Context, tenantID, id string) (*credential.Backup, error)

	// ActiveForCredential returns the unexpired backup for a
	// credential, or ErrNotFound.
	ActiveForCredential(ctx context.Context, tenantID, credentialID string) (*credential.Backup, error)

	// Delete removes a backup.
	Delete(ctx context.Context, tenantID, id string) error

	// ListExpired returns backups whose retention window has passed,
	// across all tenants (maintenance sweep).
	ListExpired(ctx context.Context, now time.Time) ([]credential.Backup, error)
}

// matchesFilter applies CredentialFilter semantics shared by the
// in-memory and DynamoDB implementations.
func matchesFilter(cred credential.Credential, filter CredentialFilter) bool {
	if filter.Type != "" && cred.Type != filter.Type {
		return false
	}
	if filter.Status != "" && cred.Status != filter.Status {
		return false
	}
	if filter.DueWithinDays != nil {
		if !cred.Due(*filter.DueWithinDays) {
			return false
		}
	}
	return true
}

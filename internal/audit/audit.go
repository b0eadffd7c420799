// Package audit records rotation lifecycle events in an append-only
// log. Writes are best effort: a failed audit write is logged and
// swallowed so it never blocks or fails the rotation that produced it.
package audit

import (
	"context"
	"time"

	"github.com/vaultpilot/vaultpilot/internal/credential"
)

// Retention is how long audit entries are kept before TTL expiry.
const Retention = 90 * 24 * time.Hour

// Action names recorded in the log.
const (
	ActionCredentialCreated  = "credential_created"
	ActionCredentialDeleted  = "credential_deleted"
	ActionRotationStarted    = "rotation_started"
	ActionRotationSucceeded  = "rotation_succeeded"
	ActionRotationFailed     = "rotation_failed"
	ActionRotationRolledBack = "rotation_rolled_back"
	ActionRollbackFailed     = "rollback_failed"
	ActionBackupCreated      = "backup_created"
	ActionBackupExpired      = "backup_expired"
	ActionQuotaDenied        = "quota_denied"
	ActionAccessDenied       = "access_denied"
	ActionAccountScanned     = "account_scanned"
	ActionCredentialFound    = "credential_discovered"
)

// Entry is a single audit log record.
type Entry struct {
	ID         string            `json:"id" dynamodbav:"id"`
	TenantID   string            `json:"tenantId" dynamodbav:"tenantId"`
	Action     string            `json:"action" dynamodbav:"action"`
	ResourceID string            `json:"resourceId" dynamodbav:"resourceId"`
	Actor      string            `json:"actor" dynamodbav:"actor"`
	Timestamp  time.Time         `json:"timestamp" dynamodbav:"timestamp"`
	Details    map[string]string `json:"details,omitempty" dynamodbav:"details,omitempty"`
}

// Sink accepts audit entries and lists them back per tenant.
type Sink interface {
	// Append records an entry. Implementations must not fail the
	// caller's operation: errors are reported on the sink's own
	// logger and swallowed.
	Append(ctx context.Context, entry Entry)

	// List returns the tenant's entries, newest first.
	List(ctx context.Context, tenantID string) ([]Entry, error)
}

// NewEntry stamps an entry with a fresh id and the current time.
func NewEntry(tenantID, action, resourceID, actor string, details map[string]string) Entry {
	return Entry{
		ID:         credential.NewID(),
		TenantID:   tenantID,
		Action:     action,
		ResourceID: resourceID,
		Actor:      actor,
		Timestamp:  time.Now().UTC(),
		Details:    details,
	}
}

// Package credential defines the persisted data model for the rotation
// engine: credentials, pre-rotation backups, and the append-only
// rotation attempt log.
package credential

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of secret a credential holds and selects the
// backend that rotates it.
type Type string

const (
	TypeIAMKey               Type = "iam_key"
	TypeSecretsManagerSecret Type = "secretsmanager_secret"
	TypeDatabasePassword     Type = "database_password"
	TypeSMTPPassword         Type = "smtp_password"
	TypeAPIToken             Type = "api_token"
	TypeGitHubToken          Type = "github_token"
)

// Status is the lifecycle state of a credential.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpiring Status = "expiring"
	StatusExpired  Status = "expired"
	StatusRotating Status = "rotating"
)

// MaxAgeDays is the rotation policy age: a credential is considered
// fully expired once it is older than this.
const MaxAgeDays = 90

// Credential is one rotatable secret. The secret value itself lives in
// the backing store (Secrets Manager, SSM, IAM); the record carries
// identity, provenance, and rotation bookkeeping.
type Credential struct {
	ID            string            `json:"id" dynamodbav:"id"`
	TenantID      string            `json:"tenantId" dynamodbav:"tenantId"`
	Name          string            `json:"name" dynamodbav:"name"`
	Type          Type              `json:"type" dynamodbav:"credentialType"`
	Environment   string            `json:"environment" dynamodbav:"environment"`
	Source        string            `json:"source" dynamodbav:"source"`
	Status        Status            `json:"status" dynamodbav:"status"`
	LastRotatedAt time.Time         `json:"lastRotatedAt" dynamodbav:"lastRotatedAt"`
	ExpiresInDays int               `json:"expiresInDays" dynamodbav:"expiresInDays"`
	Metadata      map[string]string `json:"metadata" dynamodbav:"metadata"`
}

// RefreshExpiry recomputes ExpiresInDays and the derived status from
// LastRotatedAt. Called on every scan and after every rotation so the
// stored value is never stale beyond a scan/rotation event. A negative
// ExpiresInDays means the credential is overdue.
func (c *Credential) RefreshExpiry(now time.Time) {
	ageDays := int(now.Sub(c.LastRotatedAt).Hours() / 24)
	c.ExpiresInDays = MaxAgeDays - ageDays

	// Rotating is set and cleared by the engine, never by a scan.
	if c.Status == StatusRotating {
		return
	}
	switch {
	case c.ExpiresInDays < 0:
		c.Status = StatusExpired
	case c.ExpiresInDays <= DueThresholdDays:
		c.Status = StatusExpiring
	default:
		c.Status = StatusActive
	}
}

// DueThresholdDays is the default window within which a credential is
// considered due for rotation.
const DueThresholdDays = 30

// Due reports whether the credential should be picked up by a rotation
// cycle with the given threshold.
func (c *Credential) Due(thresholdDays int) bool {
	return c.ExpiresInDays < thresholdDays || c.Status == StatusExpiring || c.Status == StatusExpired
}

// BackupRetention is how long a pre-rotation snapshot stays usable.
const BackupRetention = 24 * time.Hour

// Backup is an ephemeral snapshot of a credential's pre-rotation value,
// consumed by rollback and swept once expired.
type Backup struct {
	ID              string    `json:"id" dynamodbav:"id"`
	CredentialID    string    `json:"credentialId" dynamodbav:"credentialId"`
	TenantID        string    `json:"tenantId" dynamodbav:"tenantId"`
	CredentialName  string    `json:"credentialName" dynamodbav:"credentialName"`
	CredentialType  Type      `json:"credentialType" dynamodbav:"credentialType"`
	OldValue        string    `json:"oldValue" dynamodbav:"oldValue"`
	BackupTimestamp time.Time `json:"backupTimestamp" dynamodbav:"backupTimestamp"`
	ExpiresAt       time.Time `json:"expiresAt" dynamodbav:"expiresAt"`
}

// Expired reports whether the backup is past its retention window.
func (b *Backup) Expired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// AttemptStatus is the state of one rotation attempt record.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
	AttemptRolledBack AttemptStatus = "rolled_back"
)

// Terminal reports whether the status ends a rotation cycle for a
// credential; no further attempts are created once a terminal record
// exists.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptRolledBack
}

// Attempt is one record in the append-only rotation attempt log. Each
// retry appends an InProgress record when it starts and a terminal or
// Failed record when it finishes; records are never mutated, so the
// whole retry history can be reconstructed.
type Attempt struct {
	ID           string        `json:"id" dynamodbav:"id"`
	AttemptID    string        `json:"attemptId" dynamodbav:"attemptId"`
	CredentialID string        `json:"credentialId" dynamodbav:"credentialId"`
	TenantID     string        `json:"tenantId" dynamodbav:"tenantId"`
	StartTime    time.Time     `json:"startTime" dynamodbav:"startTime"`
	EndTime      *time.Time    `json:"endTime,omitempty" dynamodbav:"endTime,omitempty"`
	Status       AttemptStatus `json:"status" dynamodbav:"status"`
	Error        string        `json:"error,omitempty" dynamodbav:"error,omitempty"`
	RetryCount   int           `json:"retryCount" dynamodbav:"retryCount"`
	BackupID     string        `json:"backupId,omitempty" dynamodbav:"backupId,omitempty"`
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

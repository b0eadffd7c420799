// Package notifications delivers rotation lifecycle alerts through an
// async bounded queue so delivery never blocks the engine.
package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/vaultpilot/vaultpilot/internal/credential"
)

// EventType is the kind of lifecycle event being announced.
type EventType string

const (
	// EventRotationStarted announces a rotation beginning.
	EventRotationStarted EventType = "rotation_started"

	// EventRotationSucceeded announces a completed rotation.
	EventRotationSucceeded EventType = "rotation_succeeded"

	// EventRotationFailed announces a rotation that exhausted retries.
	EventRotationFailed EventType = "rotation_failed"

	// EventRolledBack announces a successful rollback after failure.
	EventRolledBack EventType = "rolled_back"

	// EventRollbackFailed announces a failed rollback. The credential
	// is in an indeterminate state and needs manual intervention.
	EventRollbackFailed EventType = "rollback_failed"

	// EventCredentialExpiring announces a credential approaching its
	// rotation deadline.
	EventCredentialExpiring EventType = "credential_expiring"
)

// Severity orders events for routing. Providers can subscribe to a
// minimum severity.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the severity label used in payloads.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

// ParseSeverity maps a config label to a severity. Matching is
// case-insensitive; unknown labels are an error.
func ParseSeverity(label string) (Severity, error) {
	switch strings.ToLower(label) {
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", label)
}

// Event is a rotation lifecycle notification.
type Event struct {
	Type           EventType
	Severity       Severity
	TenantID       string
	CredentialID   string
	CredentialName string
	CredentialType credential.Type
	Error          error
	Duration       time.Duration
	Timestamp      time.Time
	Metadata       map[string]string
}

// severityFor maps event types to their default severity.
func severityFor(t EventType) Severity {
	switch t {
	case EventRollbackFailed:
		return SeverityCritical
	case EventRotationFailed, EventRolledBack, EventCredentialExpiring:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// NewEvent builds an event with the default severity for its type and
// the current timestamp.
func NewEvent(t EventType, cred credential.Credential) Event {
	return Event{
		Type:           t,
		Severity:       severityFor(t),
		TenantID:       cred.TenantID,
		CredentialID:   cred.ID,
		CredentialName: cred.Name,
		CredentialType: cred.Type,
		Timestamp:      time.Now().UTC(),
	}
}

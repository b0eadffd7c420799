// Package errors defines the failure taxonomy for credential rotation.
//
// Every failure the engine handles falls into one of a small set of
// categories, and the retry loop keys off them:
//
//   - TransientError: network/timeout failures against a backend, retried
//     with backoff until attempts are exhausted.
//   - PermanentError: policy/validation failures (including unsupported
//     credential types) that short-circuit the retry loop.
//   - BackupCreationError: fatal to the attempt before any external
//     mutation happens.
//   - RollbackError: the one condition that must always reach an operator
//     channel.
//
// Rejections (plan limits, tenant isolation, rotation already in
// progress) are modeled as their own types so callers can map them to
// outcomes without string matching.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TransientError wraps a retryable external failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as a retryable external failure.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// PermanentError wraps a failure that retrying cannot fix.
type PermanentError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	msg := fmt.Sprintf("permanent failure during %s", e.Op)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as a non-retryable failure.
func Permanent(op, reason string, err error) error {
	return &PermanentError{Op: op, Reason: reason, Err: err}
}

// UnsupportedTypeError indicates no secret backend handles the
// credential type. It is permanent: the retry loop must not retry it.
type UnsupportedTypeError struct {
	CredentialType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported credential type %q", e.CredentialType)
}

// BackupCreationError indicates the pre-rotation snapshot could not be
// written. The attempt must abort before any external mutation.
type BackupCreationError struct {
	CredentialID string
	Err          error
}

func (e *BackupCreationError) Error() string {
	return fmt.Sprintf("backup creation failed for credential %s: %v", e.CredentialID, e.Err)
}

func (e *BackupCreationError) Unwrap() error { return e.Err }

// BackupNotFoundError indicates the referenced backup is absent or has
// expired past its retention window.
type BackupNotFoundError struct {
	BackupID string
}

func (e *BackupNotFoundError) Error() string {
	return fmt.Sprintf("backup %s not found or expired", e.BackupID)
}

// RollbackError indicates a restore-to-previous-value failure. Callers
// must escalate it to the critical alert channel.
type RollbackError struct {
	CredentialID string
	BackupID     string
	Err          error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of credential %s from backup %s failed: %v", e.CredentialID, e.BackupID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// PlanLimitError rejects an operation that would exceed the tenant's
// plan quota. Current and Limit carry the counts at rejection time.
type PlanLimitError struct {
	Resource string // "credentials" or "rotations"
	Current  int
	Limit    int
}

func (e *PlanLimitError) Error() string {
	return fmt.Sprintf("plan limit exceeded for %s: %d of %d used", e.Resource, e.Current, e.Limit)
}

// TenantIsolationError rejects access to a resource outside the
// caller's tenant, or to a resource that does not exist. Lookup misses
// and mismatches are deliberately indistinguishable.
type TenantIsolationError struct {
	TenantID   string
	ResourceID string
}

func (e *TenantIsolationError) Error() string {
	return fmt.Sprintf("access denied for resource %s", e.ResourceID)
}

// RotationInProgressError rejects a rotation because an attempt for the
// same credential is already in flight.
type RotationInProgressError struct {
	CredentialID string
}

func (e *RotationInProgressError) Error() string {
	return fmt.Sprintf("rotation already in progress for credential %s", e.CredentialID)
}

// ConfigError represents a configuration error with helpful context.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// IsRetryable reports whether the retry loop should try again after err.
// Deadline expiry counts as transient: a timeout against a backend is
// the same failure class as an explicit rotation error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var unsupported *UnsupportedTypeError
	if errors.As(err, &unsupported) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Unclassified backend errors: fall back to message heuristics the
	// same way provider SDK errors are classified.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"timed out",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
		"service unavailable",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

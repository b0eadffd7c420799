package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil error",
			err:       nil,
			retryable: false,
		},
		{
			name:      "transient wrapper",
			err:       vperrors.Transient("update-secret", stderrors.New("connection reset by peer")),
			retryable: true,
		},
		{
			name:      "permanent wrapper",
			err:       vperrors.Permanent("validate", "bad metadata", nil),
			retryable: false,
		},
		{
			name:      "unsupported type",
			err:       &vperrors.UnsupportedTypeError{CredentialType: "Kerberos"},
			retryable: false,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			retryable: true,
		},
		{
			name:      "wrapped deadline",
			err:       fmt.Errorf("rotate: %w", context.DeadlineExceeded),
			retryable: true,
		},
		{
			name:      "throttling by message",
			err:       stderrors.New("ThrottlingException: rate exceeded"),
			retryable: true,
		},
		{
			name:      "plain validation error",
			err:       stderrors.New("iam user name missing from metadata"),
			retryable: false,
		},
		{
			name:      "permanent wrapping a timeout stays permanent",
			err:       vperrors.Permanent("validate", "", context.DeadlineExceeded),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, vperrors.IsRetryable(tt.err))
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	inner := stderrors.New("boom")

	assert.ErrorIs(t, vperrors.Transient("op", inner), inner)
	assert.ErrorIs(t, &vperrors.BackupCreationError{CredentialID: "c", Err: inner}, inner)
	assert.ErrorIs(t, &vperrors.RollbackError{CredentialID: "c", BackupID: "b", Err: inner}, inner)
}

func TestErrorsAreMatchableWithAs(t *testing.T) {
	var limitErr *vperrors.PlanLimitError
	err := fmt.Errorf("rejected: %w", &vperrors.PlanLimitError{Resource: "credentials", Current: 5, Limit: 5})
	assert.True(t, stderrors.As(err, &limitErr))
	assert.Equal(t, 5, limitErr.Current)

	var inProgress *vperrors.RotationInProgressError
	err = fmt.Errorf("rejected: %w", &vperrors.RotationInProgressError{CredentialID: "cred-1"})
	assert.True(t, stderrors.As(err, &inProgress))
}

func TestTenantIsolationErrorHidesTenant(t *testing.T) {
	err := &vperrors.TenantIsolationError{TenantID: "t1", ResourceID: "cred-9"}
	assert.NotContains(t, err.Error(), "t1")
	assert.Contains(t, err.Error(), "cred-9")
}

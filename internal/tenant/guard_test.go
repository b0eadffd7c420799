package tenant_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/store"
	"github.com/vaultpilot/vaultpilot/internal/tenant"
)

func newGuard(t *testing.T) (*tenant.Guard, *store.MemoryCredentialStore, *store.MemoryAttemptStore) {
	t.Helper()
	creds := store.NewMemoryCredentialStore()
	attempts := store.NewMemoryAttemptStore()
	return tenant.NewGuard(creds, attempts, logging.New(false, true)), creds, attempts
}

func seedCredentials(t *testing.T, s *store.MemoryCredentialStore, tenantID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Create(context.Background(), credential.Credential{
			ID:       fmt.Sprintf("%s-cred-%d", tenantID, i),
			TenantID: tenantID,
		}))
	}
}

func TestCheckCredentialLimit(t *testing.T) {
	tests := []struct {
		name        string
		plan        tenant.Plan
		existing    int
		wantAllowed bool
		wantLimit   int
	}{
		{name: "free under limit", plan: tenant.PlanFree, existing: 4, wantAllowed: true, wantLimit: 5},
		{name: "free at limit", plan: tenant.PlanFree, existing: 5, wantAllowed: false, wantLimit: 5},
		{name: "pro at limit", plan: tenant.PlanPro, existing: 25, wantAllowed: false, wantLimit: 25},
		{name: "business under limit", plan: tenant.PlanBusiness, existing: 99, wantAllowed: true, wantLimit: 100},
		{name: "enterprise is unlimited", plan: tenant.PlanEnterprise, existing: 5000, wantAllowed: true, wantLimit: tenant.Unlimited},
		{name: "unknown plan falls back to free", plan: tenant.Plan("trial"), existing: 5, wantAllowed: false, wantLimit: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard, creds, _ := newGuard(t)
			seedCredentials(t, creds, "t1", tt.existing)

			result, err := guard.CheckCredentialLimit(context.Background(), &tenant.Context{TenantID: "t1", Plan: tt.plan})
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, result.Allowed)
			assert.Equal(t, tt.existing, result.Current)
			assert.Equal(t, tt.wantLimit, result.Limit)
		})
	}
}

func TestCredentialLimitIgnoresOtherTenants(t *testing.T) {
	guard, creds, _ := newGuard(t)
	seedCredentials(t, creds, "t1", 3)
	seedCredentials(t, creds, "t2", 5)

	result, err := guard.CheckCredentialLimit(context.Background(), &tenant.Context{TenantID: "t1", Plan: tenant.PlanFree})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 3, result.Current)
}

func TestCheckRotationLimitCountsCurrentMonthSuccesses(t *testing.T) {
	guard, _, attempts := newGuard(t)
	ctx := context.Background()
	now := time.Now().UTC()

	appendAttempt := func(status credential.AttemptStatus, at time.Time, tenantID string) {
		require.NoError(t, attempts.Append(ctx, credential.Attempt{
			ID: credential.NewID(), TenantID: tenantID, Status: status, StartTime: at,
		}))
	}

	for i := 0; i < 10; i++ {
		appendAttempt(credential.AttemptSuccess, now, "t1")
	}
	appendAttempt(credential.AttemptFailed, now, "t1")                         // failures don't count
	appendAttempt(credential.AttemptSuccess, now.AddDate(0, -1, 0), "t1")      // last month doesn't count
	appendAttempt(credential.AttemptSuccess, now, "t2")                        // other tenant doesn't count

	result, err := guard.CheckRotationLimit(ctx, &tenant.Context{TenantID: "t1", Plan: tenant.PlanFree})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 10, result.Current)
	assert.Equal(t, 10, result.Limit)

	enterprise, err := guard.CheckRotationLimit(ctx, &tenant.Context{TenantID: "t1", Plan: tenant.PlanEnterprise})
	require.NoError(t, err)
	assert.True(t, enterprise.Allowed)
}

func TestRequireCapacityMapsToPlanLimitError(t *testing.T) {
	guard, creds, _ := newGuard(t)
	seedCredentials(t, creds, "t1", 25)

	err := guard.RequireCredentialCapacity(context.Background(), &tenant.Context{TenantID: "t1", Plan: tenant.PlanPro})
	var limitErr *vperrors.PlanLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "credentials", limitErr.Resource)
	assert.Equal(t, 25, limitErr.Current)
	assert.Equal(t, 25, limitErr.Limit)
}

func TestValidateAccessFailsClosed(t *testing.T) {
	guard, creds, _ := newGuard(t)
	ctx := context.Background()
	require.NoError(t, creds.Create(ctx, credential.Credential{ID: "cred-1", TenantID: "t1"}))

	// Own resource: allowed.
	assert.NoError(t, guard.ValidateAccess(ctx, &tenant.Context{TenantID: "t1"}, "cred-1"))

	// Other tenant's resource and a missing resource look identical.
	var isoErr *vperrors.TenantIsolationError
	err := guard.ValidateAccess(ctx, &tenant.Context{TenantID: "t2"}, "cred-1")
	require.ErrorAs(t, err, &isoErr)

	err = guard.ValidateAccess(ctx, &tenant.Context{TenantID: "t2"}, "no-such-cred")
	require.ErrorAs(t, err, &isoErr)
}

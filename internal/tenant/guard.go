package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	vperrors "github.com/vaultpilot/vaultpilot/internal/errors"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/store"
)

// LimitResult reports the outcome of a quota check.
type LimitResult struct {
	Allowed bool
	Current int
	Limit   int
}

// Guard enforces plan quotas and tenant access on every creation and
// rotation path. The engine must consult it before mutating anything.
type Guard struct {
	credentials store.CredentialStore
	attempts    store.AttemptStore
	logger      *logging.Logger
}

// NewGuard creates a quota/isolation guard over the given stores.
func NewGuard(credentials store.CredentialStore, attempts store.AttemptStore, logger *logging.Logger) *Guard {
	return &Guard{
		credentials: credentials,
		attempts:    attempts,
		logger:      logger,
	}
}

// CheckCredentialLimit counts the tenant's credentials against its plan
// cap. A denial must surface to the caller as PlanLimitError, never a
// silent no-op.
func (g *Guard) CheckCredentialLimit(ctx context.Context, tctx *Context) (LimitResult, error) {
	limits := LimitsFor(tctx.Plan)

	current, err := g.credentials.Count(ctx, tctx.TenantID)
	if err != nil {
		// Fail closed: an uncountable quota is a denied quota.
		return LimitResult{Allowed: false}, fmt.Errorf("count credentials: %w", err)
	}

	allowed := limits.MaxCredentials == Unlimited || current < limits.MaxCredentials
	return LimitResult{Allowed: allowed, Current: current, Limit: limits.MaxCredentials}, nil
}

// CheckRotationLimit counts the tenant's successful rotations since the
// start of the current month against its plan cap.
//
// The count and the subsequent rotation are not atomic: two concurrent
// cycles can both pass at limit-1 and land one rotation over the cap.
// That race is accepted; the monthly window self-corrects and the
// attempt log keeps the overage auditable.
func (g *Guard) CheckRotationLimit(ctx context.Context, tctx *Context) (LimitResult, error) {
	limits := LimitsFor(tctx.Plan)

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	current, err := g.attempts.CountSuccessesSince(ctx, tctx.TenantID, monthStart)
	if err != nil {
		return LimitResult{Allowed: false}, fmt.Errorf("count rotations: %w", err)
	}

	allowed := limits.MaxRotationsPerMonth == Unlimited || current < limits.MaxRotationsPerMonth
	return LimitResult{Allowed: allowed, Current: current, Limit: limits.MaxRotationsPerMonth}, nil
}

// RequireCredentialCapacity is CheckCredentialLimit with denial mapped
// to PlanLimitError.
func (g *Guard) RequireCredentialCapacity(ctx context.Context, tctx *Context) error {
	result, err := g.CheckCredentialLimit(ctx, tctx)
	if err != nil {
		return err
	}
	if !result.Allowed {
		return &vperrors.PlanLimitError{Resource: "credentials", Current: result.Current, Limit: result.Limit}
	}
	return nil
}

// RequireRotationCapacity is CheckRotationLimit with denial mapped to
// PlanLimitError.
func (g *Guard) RequireRotationCapacity(ctx context.Context, tctx *Context) error {
	result, err := g.CheckRotationLimit(ctx, tctx)
	if err != nil {
		return err
	}
	if !result.Allowed {
		return &vperrors.PlanLimitError{Resource: "rotations", Current: result.Current, Limit: result.Limit}
	}
	return nil
}

// ValidateAccess fails closed: a lookup miss and a tenant mismatch both
// come back as TenantIsolationError, and mismatches are logged as
// security events.
func (g *Guard) ValidateAccess(ctx context.Context, tctx *Context, resourceID string) error {
	_, err := g.credentials.Get(ctx, tctx.TenantID, resourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("security: tenant %s denied access to resource %s", tctx.TenantID, resourceID)
			return &vperrors.TenantIsolationError{TenantID: tctx.TenantID, ResourceID: resourceID}
		}
		return fmt.Errorf("validate access to %s: %w", resourceID, err)
	}
	return nil
}

package tenant

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names carried by the identity provider's tokens.
const (
	claimTenantID    = "custom:tenant_id"
	claimPlan        = "custom:plan"
	claimPermissions = "custom:permissions"
)

// Resolver turns a verified principal token into a tenant Context.
// Signature verification happens upstream (the API gateway authorizer);
// the resolver only extracts claims. An unresolvable token yields a nil
// context, which callers must treat as access denied.
type Resolver struct{}

// NewResolver creates a claims-based resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve parses the principal token and extracts tenant identity, plan
// and permissions. The tenant id falls back to the subject when the
// dedicated claim is absent (single-user tenants).
func (r *Resolver) Resolve(principalToken string) (*Context, error) {
	token := strings.TrimPrefix(principalToken, "Bearer ")

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	// Claims only: the upstream authorizer has already verified the
	// signature before the token reaches the engine.
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse principal token: %w", err)
	}

	subject, _ := claims.GetSubject()
	tenantID := stringClaim(claims, claimTenantID)
	if tenantID == "" {
		tenantID = subject
	}
	if tenantID == "" {
		return nil, fmt.Errorf("principal token carries no tenant identity")
	}

	plan := Plan(stringClaim(claims, claimPlan))
	if plan == "" {
		plan = PlanFree
	}

	var permissions []string
	if raw := stringClaim(claims, claimPermissions); raw != "" {
		permissions = strings.Split(raw, ",")
	}

	email := stringClaim(claims, "email")

	return &Context{
		TenantID:    tenantID,
		UserID:      subject,
		Email:       email,
		Plan:        plan,
		Permissions: permissions,
	}, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}

// Package tenant provides tenant identity resolution, plan quota
// enforcement, and access validation for the rotation engine.
package tenant

// Plan is a tenant's subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanBusiness   Plan = "business"
	PlanEnterprise Plan = "enterprise"
)

// Context is the resolved identity and plan for the calling principal.
type Context struct {
	TenantID    string
	UserID      string
	Email       string
	Plan        Plan
	Permissions []string
}

// HasPermission reports whether the context carries the named
// permission. Enterprise contexts with the "all" permission pass every
// check.
func (c *Context) HasPermission(name string) bool {
	for _, p := range c.Permissions {
		if p == name || p == "all" {
			return true
		}
	}
	return false
}

// Limits are the per-plan resource quotas. -1 means unlimited.
type Limits struct {
	MaxCredentials       int
	MaxRotationsPerMonth int
	Features             []string
}

// Unlimited is the quota value for plans without a cap.
const Unlimited = -1

var planLimits = map[Plan]Limits{
	PlanFree: {
		MaxCredentials:       5,
		MaxRotationsPerMonth: 10,
		Features:             []string{"basic_rotation", "email_alerts"},
	},
	PlanPro: {
		MaxCredentials:       25,
		MaxRotationsPerMonth: 100,
		Features:             []string{"basic_rotation", "email_alerts", "slack_alerts", "scheduled_rotation"},
	},
	PlanBusiness: {
		MaxCredentials:       100,
		MaxRotationsPerMonth: 500,
		Features:             []string{"basic_rotation", "email_alerts", "slack_alerts", "scheduled_rotation", "multi_cloud", "api_access"},
	},
	PlanEnterprise: {
		MaxCredentials:       Unlimited,
		MaxRotationsPerMonth: Unlimited,
		Features:             []string{"all"},
	},
}

// LimitsFor returns the quota table for a plan. Unknown plans fall back
// to the free tier.
func LimitsFor(plan Plan) Limits {
	if limits, ok := planLimits[plan]; ok {
		return limits
	}
	return planLimits[PlanFree]
}

// HasFeature reports whether a plan includes the named feature.
func HasFeature(plan Plan, feature string) bool {
	limits := LimitsFor(plan)
	for _, f := range limits.Features {
		if f == "all" || f == feature {
			return true
		}
	}
	return false
}

package authz

// Scope categorizes the class of otherwise-denied actions an override token
// unlocks.
type Scope string

const (
	ScopeBookingCapacity Scope = "BOOKING_CAPACITY"
	ScopePricing         Scope = "PRICING"
	ScopePolicyBypass    Scope = "POLICY_BYPASS"
	ScopeRefund          Scope = "REFUND"
	ScopeDepositWaiver   Scope = "DEPOSIT_WAIVER"
	ScopeAdminAction     Scope = "ADMIN_ACTION"
)

// Valid reports whether s is a recognized scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeBookingCapacity, ScopePricing, ScopePolicyBypass,
		ScopeRefund, ScopeDepositWaiver, ScopeAdminAction:
		return true
	}
	return false
}

// Decision is the tagged result of a policy evaluation: allowed, denied, or
// denied-but-overridable. The variants are only constructible through Allow,
// Deny and RequireOverride, so an allowed decision can never carry an
// override scope and a denial always carries a reason.
type Decision struct {
	allowed          bool
	reason           string
	requiresOverride bool
	scope            Scope
}

// Allow permits the operation.
func Allow() Decision {
	return Decision{allowed: true}
}

// Deny rejects the operation with no escalation path.
func Deny(reason string) Decision {
	if reason == "" {
		reason = "Insufficient permissions"
	}
	return Decision{reason: reason}
}

// RequireOverride rejects the operation unless a valid override token of the
// given scope is redeemed.
func RequireOverride(scope Scope, reason string) Decision {
	if reason == "" {
		reason = "Override token required"
	}
	return Decision{reason: reason, requiresOverride: true, scope: scope}
}

func (d Decision) Allowed() bool          { return d.allowed }
func (d Decision) Reason() string         { return d.reason }
func (d Decision) RequiresOverride() bool { return d.requiresOverride }
func (d Decision) Scope() Scope           { return d.scope }

// Outcome labels the decision for metrics.
func (d Decision) Outcome() string {
	switch {
	case d.allowed:
		return "allow"
	case d.requiresOverride:
		return "override_required"
	default:
		return "deny"
	}
}

// Package mfa gates privileged actions on authentication recency. It is
// orthogonal to the policy engine: a role may be permitted to act and still
// be blocked here until it re-verifies.
package mfa

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/obs"
)

// ActionClass buckets actions by how fresh the last verification must be.
type ActionClass int

const (
	// ClassHigh covers issuing override tokens, role changes, refunds and
	// security settings.
	ClassHigh ActionClass = iota
	// ClassRegular covers any other privileged route.
	ClassRegular
)

// MaxAge returns how old a verification may be for the class.
func (c ActionClass) MaxAge() time.Duration {
	if c == ClassHigh {
		return 5 * time.Minute
	}
	return 720 * time.Minute
}

// Machine-readable denial codes. They are distinct from policy denials: the
// remediation is re-verification, not a permission change.
const (
	CodeNotEnrolled = "MFA_NOT_ENROLLED"
	CodeStale       = "MFA_VERIFICATION_STALE"
	CodeCheckError  = "MFA_CHECK_ERROR"
)

// Status is the derived MFA view of one user record.
type Status struct {
	TOTPEnabled            bool       `json:"totpEnabled"`
	WebAuthnEnabled        bool       `json:"webauthnEnabled"`
	VerifiedAt             *time.Time `json:"mfaVerifiedAt,omitempty"`
	RecoveryCodesRemaining int        `json:"recoveryCodesRemaining"`
}

// Enrolled reports whether any second factor is configured.
func (s Status) Enrolled() bool {
	return s.TOTPEnabled || s.WebAuthnEnabled
}

// RequiresFreshMFA reports whether a verification at verifiedAt is stale for
// the class as of now. A nil verification time is always stale. Exactly at
// the threshold is still fresh.
func RequiresFreshMFA(verifiedAt *time.Time, class ActionClass, now time.Time) bool {
	if verifiedAt == nil {
		return true
	}
	return now.Sub(*verifiedAt) > class.MaxAge()
}

// Check is the structured guard verdict.
type Check struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// StatusStore reads and advances a user's MFA state.
type StatusStore interface {
	MFAStatus(ctx context.Context, userID string) (Status, error)
	MarkMFAVerified(ctx context.Context, userID string, at time.Time) error
}

// Guard evaluates MFA freshness for privileged contexts.
type Guard struct {
	statuses   StatusStore
	challenges ChallengeStore
	now        func() time.Time
}

// Option configures Guard behavior.
type Option func(*Guard)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGuard constructs a Guard.
func NewGuard(statuses StatusStore, challenges ChallengeStore, opts ...Option) (*Guard, error) {
	if statuses == nil {
		return nil, fmt.Errorf("mfa: status store is required")
	}
	if challenges == nil {
		challenges = NewMemoryChallengeStore()
	}
	g := &Guard{statuses: statuses, challenges: challenges, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Require checks that the actor's session is recent enough for the action
// class. Unprivileged roles are exempt. Any failure evaluating status denies
// rather than allows.
func (g *Guard) Require(ctx context.Context, actor authz.Context, class ActionClass) Check {
	if !actor.Privileged() {
		return Check{Success: true}
	}
	status, err := g.statuses.MFAStatus(ctx, actor.UserID)
	if err != nil {
		obs.MFADenial(CodeCheckError)
		obs.Logger().Warn("mfa status check failed",
			zap.String("user_id", actor.UserID), zap.Error(err))
		return Check{Error: "Unable to verify MFA status", Code: CodeCheckError}
	}
	if !status.Enrolled() {
		obs.MFADenial(CodeNotEnrolled)
		return Check{Error: "Multi-factor authentication is not enrolled", Code: CodeNotEnrolled}
	}
	if RequiresFreshMFA(status.VerifiedAt, class, g.now()) {
		obs.MFADenial(CodeStale)
		return Check{Error: "Multi-factor verification has expired", Code: CodeStale}
	}
	return Check{Success: true}
}

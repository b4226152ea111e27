package override

import (
	"context"
	"errors"
	"time"

	"kennelworks.org/internal/authz"
)

var (
	// ErrNotFound is the only redemption failure distinguished to callers;
	// every other invalid-token condition is reported uniformly so a caller
	// cannot probe which invariant failed.
	ErrNotFound     = errors.New("override: token not found")
	ErrInvalidInput = errors.New("override: invalid input")
)

// Token is a persisted single-use bypass credential. UsedAt and RevokedAt
// are terminal: once either is set the row is never updated again.
type Token struct {
	ID              string      `json:"id"`
	Token           string      `json:"token"`
	Scope           authz.Scope `json:"scope"`
	IssuedByAdminID string      `json:"issuedByAdminId"`
	IssuedToUserID  string      `json:"issuedToUserId,omitempty"`
	ExpiresAt       time.Time   `json:"expiresAt"`
	UsedAt          *time.Time  `json:"usedAt,omitempty"`
	RevokedAt       *time.Time  `json:"revokedAt,omitempty"`
	Signature       string      `json:"signature,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Consumable reports whether the token could be redeemed at now by userID
// for scope. The authoritative check is the store's conditional update; this
// mirrors it for in-process callers and tests.
func (t *Token) Consumable(scope authz.Scope, userID string, now time.Time) bool {
	if t.UsedAt != nil || t.RevokedAt != nil {
		return false
	}
	if !now.Before(t.ExpiresAt) {
		return false
	}
	if t.Scope != scope {
		return false
	}
	if t.IssuedToUserID != "" && t.IssuedToUserID != userID {
		return false
	}
	return true
}

// Store persists override tokens. Consume must be a conditional update that
// succeeds only while the token is still consumable, so two racing callers
// can never both redeem one token.
type Store interface {
	Create(ctx context.Context, tok *Token) error
	Find(ctx context.Context, token string) (*Token, error)
	Consume(ctx context.Context, token, userID string, scope authz.Scope, now time.Time) (bool, error)
	Revoke(ctx context.Context, token string, now time.Time) (bool, error)
}

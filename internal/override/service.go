package override

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"kennelworks.org/internal/audit"
	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/ids"
	"kennelworks.org/internal/obs"
	"kennelworks.org/internal/store"
)

const (
	minTTL     = 1 * time.Minute
	maxTTL     = 60 * time.Minute
	defaultTTL = 15 * time.Minute

	tokenBytes = 32
)

// Service issues, redeems and revokes override tokens. Callers are trusted
// to have checked role and MFA requirements before issuance; the service
// enforces token invariants only.
type Service struct {
	store  Store
	audits *audit.Recorder
	tx     store.Transactor
	secret []byte
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithSecret enables HMAC tamper evidence on issued tokens.
func WithSecret(secret string) Option {
	return func(s *Service) {
		if secret != "" {
			s.secret = []byte(secret)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(st Store, audits *audit.Recorder, tx store.Transactor, opts ...Option) (*Service, error) {
	if st == nil || audits == nil || tx == nil {
		return nil, fmt.Errorf("override: store, audit recorder and transactor are required")
	}
	s := &Service{store: st, audits: audits, tx: tx, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueOptions tunes one issuance.
type IssueOptions struct {
	// IssuedToUserID binds the token to a single holder; empty means any
	// user may redeem it.
	IssuedToUserID string
	// ExpiresIn must fall in [1m, 60m]; zero selects the 15m default.
	ExpiresIn time.Duration
}

// Issued is the caller-visible result of one issuance.
type Issued struct {
	Token     string      `json:"token"`
	Scope     authz.Scope `json:"scope"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Issue creates a high-entropy single-use token and records the issuance as
// an APPROVAL audit entry plus an override event, all in one transaction.
func (s *Service) Issue(ctx context.Context, issuerID string, scope authz.Scope, opts IssueOptions) (Issued, error) {
	if issuerID == "" {
		return Issued{}, fmt.Errorf("%w: issuer is required", ErrInvalidInput)
	}
	if !scope.Valid() {
		return Issued{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, scope)
	}
	ttl := opts.ExpiresIn
	if ttl == 0 {
		ttl = defaultTTL
	}
	if ttl < minTTL || ttl > maxTTL {
		return Issued{}, fmt.Errorf("%w: expiry must be between 1 and 60 minutes", ErrInvalidInput)
	}

	secret := make([]byte, tokenBytes)
	if _, err := rand.Read(secret); err != nil {
		return Issued{}, fmt.Errorf("override: generate token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(secret)

	now := s.now().UTC()
	tok := &Token{
		ID:              ids.New(),
		Token:           raw,
		Scope:           scope,
		IssuedByAdminID: issuerID,
		IssuedToUserID:  opts.IssuedToUserID,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}
	if len(s.secret) > 0 {
		tok.Signature = s.sign(raw)
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, tok); err != nil {
			return err
		}
		entry, err := s.audits.Record(ctx, issuerID, audit.ActionApproval, "override_token", tok.ID, map[string]any{
			"action":         "issue_override_token",
			"scope":          string(scope),
			"issuedToUserId": opts.IssuedToUserID,
			"expiresAt":      tok.ExpiresAt.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		_, err = s.audits.RecordOverride(ctx, &audit.OverrideEvent{
			ActorID:           issuerID,
			Scope:             scope,
			Reason:            "override token issued",
			EntityType:        "override_token",
			EntityID:          tok.ID,
			ApprovedByAdminID: issuerID,
			Metadata:          map[string]any{"auditEntryId": entry.ID},
		})
		return err
	})
	if err != nil {
		return Issued{}, err
	}

	obs.OverrideToken("issued", string(scope))
	return Issued{Token: raw, Scope: scope, ExpiresAt: tok.ExpiresAt}, nil
}

// ValidateAndConsume redeems a token for scope on behalf of userID. It joins
// the caller's transaction: the conditional mark-used and the mutation it
// unlocks commit or roll back together. A missing row returns ErrNotFound;
// every other failed invariant yields (false, nil) without detail.
func (s *Service) ValidateAndConsume(ctx context.Context, token string, scope authz.Scope, userID string) (bool, error) {
	_, ok, err := s.Redeem(ctx, token, scope, userID)
	return ok, err
}

// Redeem is ValidateAndConsume for callers that also need the consumed
// token's metadata (the issuing admin, for override-event attribution).
func (s *Service) Redeem(ctx context.Context, token string, scope authz.Scope, userID string) (*Token, bool, error) {
	if token == "" {
		return nil, false, ErrNotFound
	}
	tok, err := s.store.Find(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if len(s.secret) > 0 && !s.verify(tok) {
		obs.OverrideToken("rejected", string(scope))
		return nil, false, nil
	}
	ok, err := s.store.Consume(ctx, token, userID, scope, s.now().UTC())
	if err != nil {
		return nil, false, err
	}
	if !ok {
		obs.OverrideToken("rejected", string(scope))
		return nil, false, nil
	}
	obs.OverrideToken("consumed", string(scope))
	return tok, true, nil
}

// Revoke marks a token revoked before use. Revoking an already used or
// revoked token is an idempotent no-op; only a missing token is an error.
func (s *Service) Revoke(ctx context.Context, token, revokerID string) error {
	if token == "" {
		return ErrNotFound
	}
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		tok, err := s.store.Find(ctx, token)
		if err != nil {
			return err
		}
		revoked, err := s.store.Revoke(ctx, token, s.now().UTC())
		if err != nil {
			return err
		}
		if !revoked {
			return nil
		}
		_, err = s.audits.Record(ctx, revokerID, audit.ActionApproval, "override_token", tok.ID, map[string]any{
			"action": "revoke_override_token",
			"scope":  string(tok.Scope),
		})
		if err != nil {
			return err
		}
		obs.OverrideToken("revoked", string(tok.Scope))
		return nil
	})
}

func (s *Service) sign(raw string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) verify(tok *Token) bool {
	expected := s.sign(tok.Token)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(tok.Signature)) == 1
}

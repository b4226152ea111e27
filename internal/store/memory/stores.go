package memory

import (
	"context"
	"time"

	"kennelworks.org/internal/audit"
	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/kennel"
	"kennelworks.org/internal/mfa"
	"kennelworks.org/internal/override"
)

// TokenStore keeps override tokens keyed by their opaque secret.
type TokenStore struct {
	backend *Backend
	byToken map[string]*override.Token
}

// NewTokenStore creates an empty token store.
func NewTokenStore(b *Backend) *TokenStore {
	return &TokenStore{backend: b, byToken: make(map[string]*override.Token)}
}

func (s *TokenStore) Create(ctx context.Context, tok *override.Token) error {
	defer s.backend.lock(ctx)()
	cp := *tok
	s.byToken[tok.Token] = &cp
	return nil
}

func (s *TokenStore) Find(ctx context.Context, token string) (*override.Token, error) {
	defer s.backend.lock(ctx)()
	tok, ok := s.byToken[token]
	if !ok {
		return nil, override.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

// Consume marks the token used iff it is still consumable; the check and the
// write happen under the backend lock, so racing redeemers see exactly one
// success.
func (s *TokenStore) Consume(ctx context.Context, token, userID string, scope authz.Scope, now time.Time) (bool, error) {
	defer s.backend.lock(ctx)()
	tok, ok := s.byToken[token]
	if !ok {
		return false, override.ErrNotFound
	}
	if !tok.Consumable(scope, userID, now) {
		return false, nil
	}
	used := now
	tok.UsedAt = &used
	return true, nil
}

func (s *TokenStore) Revoke(ctx context.Context, token string, now time.Time) (bool, error) {
	defer s.backend.lock(ctx)()
	tok, ok := s.byToken[token]
	if !ok {
		return false, override.ErrNotFound
	}
	if tok.UsedAt != nil || tok.RevokedAt != nil {
		return false, nil
	}
	revoked := now
	tok.RevokedAt = &revoked
	return true, nil
}

// AuditStore appends entries and override events to in-process slices.
type AuditStore struct {
	backend *Backend
	entries []*audit.Entry
	events  []*audit.OverrideEvent
}

// NewAuditStore creates an empty audit store.
func NewAuditStore(b *Backend) *AuditStore {
	return &AuditStore{backend: b}
}

func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	defer s.backend.lock(ctx)()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *AuditStore) AppendOverrideEvent(ctx context.Context, event *audit.OverrideEvent) error {
	defer s.backend.lock(ctx)()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// Entries returns a copy of all appended audit entries.
func (s *AuditStore) Entries() []*audit.Entry {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	out := make([]*audit.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// OverrideEvents returns a copy of all appended override events.
func (s *AuditStore) OverrideEvents() []*audit.OverrideEvent {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	out := make([]*audit.OverrideEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Users is the user collection plus the MFA status surface and email lookup
// used by the login flow.
type Users struct {
	*Collection[kennel.User]
}

// NewUsers creates an empty user store.
func NewUsers(b *Backend) *Users {
	return &Users{Collection: NewCollection[kennel.User](b, "user", "id")}
}

// mfaStateFields may only be written by the challenge flow, never by a CRUD
// payload.
var mfaStateFields = map[string]bool{
	"mfaVerifiedAt":   true,
	"totpEnabled":     true,
	"webauthnEnabled": true,
}

func stripMFAState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if mfaStateFields[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// Create drops MFA state fields from the payload; enrollment has its own flow.
func (u *Users) Create(ctx context.Context, data map[string]any) (kennel.User, error) {
	return u.Collection.Create(ctx, stripMFAState(data))
}

// Update drops MFA state fields from the changes before applying them.
func (u *Users) Update(ctx context.Context, id string, changes map[string]any) (kennel.User, error) {
	return u.Collection.Update(ctx, id, stripMFAState(changes))
}

func (u *Users) FindByEmail(ctx context.Context, email string) (kennel.User, error) {
	defer u.backend.lock(ctx)()
	for _, id := range u.order {
		rec := u.records[id]
		if addr, _ := rec["email"].(string); addr == email {
			return decode[kennel.User](rec)
		}
	}
	return kennel.User{}, kennel.ErrNotFound
}

func (u *Users) MFAStatus(ctx context.Context, userID string) (mfa.Status, error) {
	user, err := u.Find(ctx, userID)
	if err != nil {
		return mfa.Status{}, err
	}
	return mfa.Status{
		TOTPEnabled:            user.TOTPEnabled,
		WebAuthnEnabled:        user.WebAuthnEnabled,
		VerifiedAt:             user.MFAVerifiedAt,
		RecoveryCodesRemaining: user.RecoveryCodesRemaining,
	}, nil
}

func (u *Users) MarkMFAVerified(ctx context.Context, userID string, at time.Time) error {
	_, err := u.Collection.Update(ctx, userID, map[string]any{"mfaVerifiedAt": at})
	return err
}

package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/override"
)

// TokenStore implements override.Store on the override_tokens table.
type TokenStore struct {
	store *Store
}

func (s *Store) Tokens() *TokenStore { return &TokenStore{store: s} }

const tokenColumns = `id, token, scope, issued_by_admin_id, issued_to_user_id, expires_at, used_at, revoked_at, signature, created_at`

func (s *TokenStore) Create(ctx context.Context, tok *override.Token) error {
	_, err := s.store.conn(ctx).ExecContext(ctx, `
		INSERT INTO override_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULL, NULL, $7, $8)`,
		tok.ID, tok.Token, string(tok.Scope), tok.IssuedByAdminID, tok.IssuedToUserID,
		tok.ExpiresAt, tok.Signature, tok.CreatedAt,
	)
	return err
}

func (s *TokenStore) Find(ctx context.Context, token string) (*override.Token, error) {
	row := s.store.conn(ctx).QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM override_tokens
		WHERE token = $1`, token)

	var (
		tok      override.Token
		scope    string
		issuedTo sql.NullString
		usedAt   sql.NullTime
		revoked  sql.NullTime
	)
	err := row.Scan(&tok.ID, &tok.Token, &scope, &tok.IssuedByAdminID, &issuedTo,
		&tok.ExpiresAt, &usedAt, &revoked, &tok.Signature, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, override.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.Scope = authz.Scope(scope)
	tok.IssuedToUserID = issuedTo.String
	if usedAt.Valid {
		t := usedAt.Time
		tok.UsedAt = &t
	}
	if revoked.Valid {
		t := revoked.Time
		tok.RevokedAt = &t
	}
	return &tok, nil
}

// Consume marks the token used iff it is still live, unexpired, scope-matched
// and either unbound or bound to userID. The conditional update is what makes
// redemption exactly-once under concurrency.
func (s *TokenStore) Consume(ctx context.Context, token, userID string, scope authz.Scope, now time.Time) (bool, error) {
	res, err := s.store.conn(ctx).ExecContext(ctx, `
		UPDATE override_tokens
		SET used_at = $2
		WHERE token = $1
		  AND used_at IS NULL
		  AND revoked_at IS NULL
		  AND expires_at > $2
		  AND scope = $3
		  AND (issued_to_user_id IS NULL OR issued_to_user_id = $4)`,
		token, now, string(scope), userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *TokenStore) Revoke(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := s.store.conn(ctx).ExecContext(ctx, `
		UPDATE override_tokens
		SET revoked_at = $2
		WHERE token = $1
		  AND used_at IS NULL
		  AND revoked_at IS NULL`,
		token, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

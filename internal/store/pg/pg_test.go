package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/kennel"
	"kennelworks.org/internal/override"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewStore(db), mock
}

func TestTokenConsumeRowsAffected(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE override_tokens`).
		WithArgs("tok-1", now, "POLICY_BYPASS", "staff-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.Tokens().Consume(context.Background(), "tok-1", "staff-1", authz.ScopePolicyBypass, now)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !ok {
		t.Fatal("consume reported false for a matched row")
	}

	// A second attempt matches no row; that is the whole double-spend guard.
	mock.ExpectExec(`UPDATE override_tokens`).
		WithArgs("tok-1", now, "POLICY_BYPASS", "staff-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = store.Tokens().Consume(context.Background(), "tok-1", "staff-1", authz.ScopePolicyBypass, now)
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if ok {
		t.Fatal("spent token consumed twice")
	}
}

func TestTokenFind(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	expires := created.Add(15 * time.Minute)

	cols := []string{"id", "token", "scope", "issued_by_admin_id", "issued_to_user_id",
		"expires_at", "used_at", "revoked_at", "signature", "created_at"}
	mock.ExpectQuery(`SELECT .+ FROM override_tokens`).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("id-1", "tok-1", "REFUND", "admin-1", nil, expires, nil, nil, "", created))

	tok, err := store.Tokens().Find(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tok.Scope != authz.ScopeRefund || tok.IssuedToUserID != "" {
		t.Fatalf("token = %+v", tok)
	}
	if tok.UsedAt != nil || tok.RevokedAt != nil {
		t.Fatalf("fresh token carries timestamps: %+v", tok)
	}
}

func TestTokenFindNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT .+ FROM override_tokens`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Tokens().Find(context.Background(), "missing")
	if !errors.Is(err, override.ErrNotFound) {
		t.Fatalf("err = %v, want override.ErrNotFound", err)
	}
}

func TestBookingFindNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT .+ FROM bookings WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Bookings().Find(context.Background(), "missing")
	if !errors.Is(err, kennel.ErrNotFound) {
		t.Fatalf("err = %v, want kennel.ErrNotFound", err)
	}
}

func TestBookingCreateSortsPayloadFields(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	// Payload keys land in sorted order, unknown keys never reach SQL.
	mock.ExpectExec(`INSERT INTO bookings \(id, created_at, updated_at, customer_id, kennel_id, pet_id, status\)`).
		WithArgs("b1", sqlmock.AnyArg(), sqlmock.AnyArg(), "c1", "k1", "p1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM bookings WHERE id = \$1`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "pet_id", "kennel_id", "status",
			"start_date", "end_date", "deposit_cents", "payment_info", "created_at", "updated_at"}).
			AddRow("b1", "c1", "p1", "k1", "PENDING", start, start, int64(0), "", created, created))

	b, err := store.Bookings().Create(context.Background(), map[string]any{
		"id":         "b1",
		"status":     "PENDING",
		"petId":      "p1",
		"kennelId":   "k1",
		"customerId": "c1",
		"dropColumn": "ignored",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.ID != "b1" || b.Status != "PENDING" {
		t.Fatalf("booking = %+v", b)
	}
}

func TestBookingUpdateMissingRow(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`UPDATE bookings SET`).
		WithArgs("missing", sqlmock.AnyArg(), "CANCELLED").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.Bookings().Update(context.Background(), "missing", map[string]any{"status": "CANCELLED"})
	if !errors.Is(err, kennel.ErrNotFound) {
		t.Fatalf("err = %v, want kennel.ErrNotFound", err)
	}
}

func TestBookingUpdateRejectsBadTimestamp(t *testing.T) {
	store, _ := newMock(t)
	_, err := store.Bookings().Update(context.Background(), "b1", map[string]any{"startDate": "next tuesday"})
	if !errors.Is(err, kennel.ErrInvalidInput) {
		t.Fatalf("err = %v, want kennel.ErrInvalidInput", err)
	}
}

func TestBookingListScopedAndPaged(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bookings WHERE customer_id = \$1 AND status = \$2`).
		WithArgs("c1", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`SELECT .+ FROM bookings WHERE customer_id = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("c1", "PENDING", 2, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "pet_id", "kennel_id", "status",
			"start_date", "end_date", "deposit_cents", "payment_info", "created_at", "updated_at"}).
			AddRow("b3", "c1", "p1", "k1", "PENDING", created, created, int64(0), "", created, created))

	items, total, err := store.Bookings().List(context.Background(), kennel.ListFilter{
		Page:       2,
		Limit:      2,
		SortOrder:  "desc",
		CustomerID: "c1",
		Filters:    map[string]any{"status": "PENDING", "notAColumn": "x"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 1 || items[0].ID != "b3" {
		t.Fatalf("total=%d items=%+v", total, items)
	}
}

func userRows(created time.Time, ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "email", "name", "role", "status", "password_hash",
		"totp_enabled", "webauthn_enabled", "mfa_verified_at", "recovery_codes_remaining",
		"created_at", "updated_at"})
	for _, id := range ids {
		rows.AddRow(id, id+"@kennelworks.org", id, "CUSTOMER", "active", "",
			false, false, nil, 0, created, created)
	}
	return rows
}

// Customer-scoped user lists must carry an ownership predicate; for users the
// record itself is the tenant, so the scope column is the primary key.
func TestUsersListScopedToOwnRecord(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT .+ FROM users WHERE id = \$1 ORDER BY created_at ASC LIMIT \$2 OFFSET \$3`).
		WithArgs("u1", 20, 0).
		WillReturnRows(userRows(created, "u1"))

	items, total, err := store.Users().List(context.Background(), kennel.ListFilter{
		CustomerID: "u1",
		Page:       1,
		Limit:      20,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != "u1" {
		t.Fatalf("total=%d items=%+v", total, items)
	}
}

// MFA state is written by the challenge flow only; CRUD payloads naming those
// fields must not reach SQL.
func TestUsersUpdateDropsMFAFields(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE users SET updated_at = \$2, name = \$3 WHERE id = \$1`).
		WithArgs("u1", sqlmock.AnyArg(), "New Name").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(userRows(created, "u1"))

	_, err := store.Users().Update(context.Background(), "u1", map[string]any{
		"name":            "New Name",
		"mfaVerifiedAt":   "2026-05-01T12:00:00Z",
		"totpEnabled":     true,
		"webauthnEnabled": true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestUsersFindByEmailNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT .+ FROM users WHERE email = \$1`).
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Users().FindByEmail(context.Background(), "nobody@example.com")
	if !errors.Is(err, kennel.ErrNotFound) {
		t.Fatalf("err = %v, want kennel.ErrNotFound", err)
	}
}

func TestUsersMarkMFAVerified(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE users SET mfa_verified_at = \$2`).
		WithArgs("u1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Users().MarkMFAVerified(context.Background(), "u1", at); err != nil {
		t.Fatalf("mark: %v", err)
	}

	mock.ExpectExec(`UPDATE users SET mfa_verified_at = \$2`).
		WithArgs("missing", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Users().MarkMFAVerified(context.Background(), "missing", at); !errors.Is(err, kennel.ErrNotFound) {
		t.Fatalf("err = %v, want kennel.ErrNotFound", err)
	}
}

func TestWithinTxNestedJoin(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM bookings WHERE id = \$1`).
		WithArgs("b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(ctx context.Context) error {
		// The inner call must join, not open a second transaction.
		return store.WithinTx(ctx, func(ctx context.Context) error {
			return store.Bookings().Delete(ctx, "b1")
		})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestWithinTxRollbackOnError(t *testing.T) {
	store, mock := newMock(t)
	boom := fmt.Errorf("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

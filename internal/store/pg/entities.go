package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kennelworks.org/internal/kennel"
	"kennelworks.org/internal/mfa"
)

// Users also serves login lookups and the MFA status contract.
type Users struct {
	Table[kennel.User]
}

const userSelect = `id, email, name, role, status, password_hash, totp_enabled, webauthn_enabled, mfa_verified_at, recovery_codes_remaining, created_at, updated_at`

func scanUser(row interface{ Scan(dest ...any) error }) (kennel.User, error) {
	var (
		u          kennel.User
		verifiedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Status, &u.PasswordHash,
		&u.TOTPEnabled, &u.WebAuthnEnabled, &verifiedAt, &u.RecoveryCodesRemaining,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return kennel.User{}, err
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		u.MFAVerifiedAt = &t
	}
	return u, nil
}

func (s *Store) Users() *Users {
	// MFA state is deliberately absent from the column map: the challenge
	// flow (MarkMFAVerified) is the only writer, never a CRUD payload.
	return &Users{Table: Table[kennel.User]{
		store: s,
		name:  "users",
		columns: map[string]string{
			"email":                  "email",
			"name":                   "name",
			"role":                   "role",
			"status":                 "status",
			"passwordHash":           "password_hash",
			"recoveryCodesRemaining": "recovery_codes_remaining",
		},
		ownerColumn: "id",
		selectList:  userSelect,
		scan:        scanUser,
	}}
}

func (u *Users) FindByEmail(ctx context.Context, email string) (kennel.User, error) {
	row := u.store.conn(ctx).QueryRowContext(ctx,
		`SELECT `+userSelect+` FROM users WHERE email = $1`, email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return kennel.User{}, kennel.ErrNotFound
	}
	return user, err
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
	res, err := u.store.conn(ctx).ExecContext(ctx,
		`UPDATE users SET mfa_verified_at = $2, updated_at = $2 WHERE id = $1`, userID, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return kennel.ErrNotFound
	}
	return nil
}

func (s *Store) Pets() *Table[kennel.Pet] {
	return &Table[kennel.Pet]{
		store: s,
		name:  "pets",
		columns: map[string]string{
			"ownerId":      "owner_id",
			"name":         "name",
			"species":      "species",
			"breed":        "breed",
			"medicalNotes": "medical_notes",
			"dietNotes":    "diet_notes",
		},
		ownerColumn: "owner_id",
		selectList:  `id, owner_id, name, species, breed, medical_notes, diet_notes, created_at, updated_at`,
		scan: func(row interface{ Scan(dest ...any) error }) (kennel.Pet, error) {
			var p kennel.Pet
			err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Species, &p.Breed,
				&p.MedicalNotes, &p.DietNotes, &p.CreatedAt, &p.UpdatedAt)
			return p, err
		},
	}
}

func (s *Store) Bookings() *Table[kennel.Booking] {
	return &Table[kennel.Booking]{
		store: s,
		name:  "bookings",
		columns: map[string]string{
			"customerId":   "customer_id",
			"petId":        "pet_id",
			"kennelId":     "kennel_id",
			"status":       "status",
			"startDate":    "start_date",
			"endDate":      "end_date",
			"depositCents": "deposit_cents",
			"paymentInfo":  "payment_info",
		},
		timeFields:  map[string]bool{"startDate": true, "endDate": true},
		ownerColumn: "customer_id",
		selectList:  `id, customer_id, pet_id, kennel_id, status, start_date, end_date, deposit_cents, payment_info, created_at, updated_at`,
		scan: func(row interface{ Scan(dest ...any) error }) (kennel.Booking, error) {
			var b kennel.Booking
			err := row.Scan(&b.ID, &b.CustomerID, &b.PetID, &b.KennelID, &b.Status,
				&b.StartDate, &b.EndDate, &b.DepositCents, &b.PaymentInfo,
				&b.CreatedAt, &b.UpdatedAt)
			return b, err
		},
	}
}

func (s *Store) CareLogs() *Table[kennel.CareLog] {
	return &Table[kennel.CareLog]{
		store: s,
		name:  "care_logs",
		columns: map[string]string{
			"petId":        "pet_id",
			"bookingId":    "booking_id",
			"ownerId":      "owner_id",
			"staffId":      "staff_id",
			"note":         "note",
			"medicalNotes": "medical_notes",
		},
		ownerColumn: "owner_id",
		selectList:  `id, pet_id, booking_id, owner_id, staff_id, note, medical_notes, created_at, updated_at`,
		scan: func(row interface{ Scan(dest ...any) error }) (kennel.CareLog, error) {
			var c kennel.CareLog
			err := row.Scan(&c.ID, &c.PetID, &c.BookingID, &c.OwnerID, &c.StaffID,
				&c.Note, &c.MedicalNotes, &c.CreatedAt, &c.UpdatedAt)
			return c, err
		},
	}
}

func (s *Store) Notifications() *Table[kennel.Notification] {
	return &Table[kennel.Notification]{
		store: s,
		name:  "notifications",
		columns: map[string]string{
			"userId":  "user_id",
			"kind":    "kind",
			"subject": "subject",
			"body":    "body",
			"readAt":  "read_at",
		},
		timeFields:  map[string]bool{"readAt": true},
		ownerColumn: "user_id",
		selectList:  `id, user_id, kind, subject, body, read_at, created_at, updated_at`,
		scan: func(row interface{ Scan(dest ...any) error }) (kennel.Notification, error) {
			var (
				n      kennel.Notification
				readAt sql.NullTime
			)
			err := row.Scan(&n.ID, &n.UserID, &n.Kind, &n.Subject, &n.Body,
				&readAt, &n.CreatedAt, &n.UpdatedAt)
			if err != nil {
				return kennel.Notification{}, err
			}
			if readAt.Valid {
				t := readAt.Time
				n.ReadAt = &t
			}
			return n, nil
		},
	}
}

func (s *Store) Kennels() *Table[kennel.Kennel] {
	return &Table[kennel.Kennel]{
		store: s,
		name:  "kennels",
		columns: map[string]string{
			"name":     "name",
			"size":     "size",
			"capacity": "capacity",
			"status":   "status",
		},
		selectList: `id, name, size, capacity, status, created_at, updated_at`,
		scan: func(row interface{ Scan(dest ...any) error }) (kennel.Kennel, error) {
			var k kennel.Kennel
			err := row.Scan(&k.ID, &k.Name, &k.Size, &k.Capacity, &k.Status,
				&k.CreatedAt, &k.UpdatedAt)
			return k, err
		},
	}
}

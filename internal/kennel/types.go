package kennel

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("kennel: not found")
	ErrInvalidInput = errors.New("kennel: invalid input")
)

// Entity is implemented by every persisted domain record.
type Entity interface {
	EntityID() string
}

// User is a platform account: owner, admin, staff or customer.
type User struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	Name                   string     `json:"name"`
	Role                   string     `json:"role"`
	Status                 string     `json:"status"`
	PasswordHash           string     `json:"passwordHash,omitempty"`
	TOTPEnabled            bool       `json:"totpEnabled"`
	WebAuthnEnabled        bool       `json:"webauthnEnabled"`
	MFAVerifiedAt          *time.Time `json:"mfaVerifiedAt,omitempty"`
	RecoveryCodesRemaining int        `json:"recoveryCodesRemaining"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

func (u User) EntityID() string { return u.ID }

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Pet belongs to a customer account.
type Pet struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Name         string    `json:"name"`
	Species      string    `json:"species"`
	Breed        string    `json:"breed,omitempty"`
	MedicalNotes string    `json:"medicalNotes,omitempty"`
	DietNotes    string    `json:"dietNotes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (p Pet) EntityID() string { return p.ID }

// Booking reserves a kennel for a pet over a date range. Once staff rely on a
// confirmed schedule, mutations go through the override flow.
type Booking struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customerId"`
	PetID        string    `json:"petId"`
	KennelID     string    `json:"kennelId"`
	Status       string    `json:"status"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
	DepositCents int64     `json:"depositCents"`
	PaymentInfo  string    `json:"paymentInfo,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (b Booking) EntityID() string { return b.ID }

const (
	BookingStatusPending   = "PENDING"
	BookingStatusConfirmed = "CONFIRMED"
	BookingStatusCheckedIn = "CHECKED_IN"
	BookingStatusCompleted = "COMPLETED"
	BookingStatusCancelled = "CANCELLED"
)

// CareLog records a staff observation or treatment for a boarded pet.
// OwnerID is denormalized from the pet so ownership checks stay pure.
type CareLog struct {
	ID           string    `json:"id"`
	PetID        string    `json:"petId"`
	BookingID    string    `json:"bookingId,omitempty"`
	OwnerID      string    `json:"ownerId"`
	StaffID      string    `json:"staffId"`
	Note         string    `json:"note"`
	MedicalNotes string    `json:"medicalNotes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (c CareLog) EntityID() string { return c.ID }

// Notification is an outbound message to a user. Delivery transports live
// outside this core; only the record and its access rules are modeled here.
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Kind      string     `json:"kind"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (n Notification) EntityID() string { return n.ID }

// Kennel is one unit of facility inventory.
type Kennel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      string    `json:"size"`
	Capacity  int       `json:"capacity"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (k Kennel) EntityID() string { return k.ID }

// Redaction lists applied to audit snapshots, per entity.
var (
	UserRedactFields    = []string{"passwordHash"}
	PetRedactFields     = []string{"medicalNotes"}
	BookingRedactFields = []string{"paymentInfo"}
	CareLogRedactFields = []string{"medicalNotes"}
)

// ListFilter carries list parameters through the orchestrator to a store.
// CustomerID is set by the orchestrator when the caller is a customer; stores
// match it against the entity's ownership column.
type ListFilter struct {
	CustomerID string
	Filters    map[string]any
	Page       int
	Limit      int
	SortBy     string
	SortOrder  string
}

package authz

import (
	"strings"

	"kennelworks.org/internal/kennel"
)

// Role is the position of a user in the Owner > Admin > Staff > Customer
// hierarchy.
type Role string

const (
	RoleOwner    Role = "OWNER"
	RoleAdmin    Role = "ADMIN"
	RoleStaff    Role = "STAFF"
	RoleCustomer Role = "CUSTOMER"
)

// ParseRole normalizes a raw role string. Unknown values return ok=false so
// callers fail closed instead of guessing.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleOwner:
		return RoleOwner, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleStaff:
		return RoleStaff, true
	case RoleCustomer:
		return RoleCustomer, true
	default:
		return "", false
	}
}

// Rank orders roles for monotonicity checks; higher is more privileged.
func (r Role) Rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleStaff:
		return 1
	case RoleCustomer:
		return 0
	default:
		return -1
	}
}

// Context is the normalized authorization view of one user for one logical
// operation. It is derived fresh per request and never persisted.
type Context struct {
	UserID string
	Role   Role

	IsOwner    bool
	IsAdmin    bool
	IsStaff    bool
	IsCustomer bool

	// CustomerID is set iff the role is CUSTOMER.
	CustomerID string
}

// NewContext derives a Context from a raw user record. It never fails: a
// malformed or unknown role produces a context with no role flags set, which
// every policy denies.
func NewContext(user kennel.User) Context {
	c := Context{UserID: user.ID}
	role, ok := ParseRole(user.Role)
	if !ok {
		return c
	}
	c.Role = role
	switch role {
	case RoleOwner:
		c.IsOwner = true
	case RoleAdmin:
		c.IsAdmin = true
	case RoleStaff:
		c.IsStaff = true
	case RoleCustomer:
		c.IsCustomer = true
		c.CustomerID = user.ID
	}
	return c
}

// Known reports whether the context carries a recognized role.
func (c Context) Known() bool {
	return c.IsOwner || c.IsAdmin || c.IsStaff || c.IsCustomer
}

// Privileged reports whether the role is staff or above. The MFA guard only
// applies to privileged contexts.
func (c Context) Privileged() bool {
	return c.IsOwner || c.IsAdmin || c.IsStaff
}

// Elevated reports whether the role bypasses policy restrictions inherently.
func (c Context) Elevated() bool {
	return c.IsOwner || c.IsAdmin
}

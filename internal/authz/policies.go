package authz

import (
	"strings"

	"kennelworks.org/internal/kennel"
)

const reasonInsufficient = "Insufficient permissions"

// UserPolicy guards account records. Admins may not delete or demote other
// admins or any owner; owners may not delete their own account.
type UserPolicy struct{}

func (UserPolicy) CanCreate(c Context, data map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if role, _ := ParseRole(stringField(data, "role")); role == RoleOwner && !c.IsOwner {
		return Deny("Only owners can create owner accounts")
	}
	if c.Elevated() {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (UserPolicy) CanRead(c Context, u kennel.User) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	if u.ID == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (UserPolicy) CanUpdate(c Context, u kennel.User, changes map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	touchesRole := hasField(changes, "role") || hasField(changes, "status")
	if c.IsOwner {
		return Allow()
	}
	if c.IsAdmin {
		targetRole, _ := ParseRole(u.Role)
		if touchesRole && u.ID != c.UserID && (targetRole == RoleAdmin || targetRole == RoleOwner) {
			return Deny("Admins cannot demote other admins or owners")
		}
		return Allow()
	}
	// Any recognized role may edit its own non-privileged fields.
	if u.ID == c.UserID && !touchesRole {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (UserPolicy) CanDelete(c Context, u kennel.User) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.IsOwner {
		if u.ID == c.UserID {
			return Deny("Owners cannot delete their own account")
		}
		return Allow()
	}
	if c.IsAdmin {
		targetRole, _ := ParseRole(u.Role)
		if targetRole == RoleAdmin || targetRole == RoleOwner {
			return Deny("Admins cannot delete other admins or owners")
		}
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (UserPolicy) CanList(c Context, filters map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	return Allow()
}

// PetPolicy guards pet records. Customers operate on their own pets only.
type PetPolicy struct{}

func (PetPolicy) CanCreate(c Context, data map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	if stringField(data, "ownerId") == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (PetPolicy) CanRead(c Context, p kennel.Pet) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	if p.OwnerID == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (PetPolicy) CanUpdate(c Context, p kennel.Pet, changes map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	if p.OwnerID == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (PetPolicy) CanDelete(c Context, p kennel.Pet) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Elevated() {
		return Allow()
	}
	if c.IsCustomer && p.OwnerID == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (PetPolicy) CanList(c Context, filters map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	return Allow()
}

// BookingPolicy guards reservations. Confirmed schedules are operationally
// load-bearing, so staff mutations and customer self-service mutations both
// escalate to the override flow instead of being silently applied.
type BookingPolicy struct{}

func (BookingPolicy) CanCreate(c Context, data map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	if stringField(data, "customerId") == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (BookingPolicy) CanRead(c Context, b kennel.Booking) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	if b.CustomerID == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (BookingPolicy) CanUpdate(c Context, b kennel.Booking, changes map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Elevated() {
		return Allow()
	}
	if c.IsStaff {
		return RequireOverride(ScopePolicyBypass, "Staff updates require override token")
	}
	if b.CustomerID == c.UserID {
		return RequireOverride(ScopePolicyBypass, "Booking changes require override token")
	}
	return Deny(reasonInsufficient)
}

func (BookingPolicy) CanDelete(c Context, b kennel.Booking) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Elevated() {
		return Allow()
	}
	if c.IsStaff {
		return RequireOverride(ScopePolicyBypass, "Staff deletions require override token")
	}
	if b.CustomerID == c.UserID {
		return RequireOverride(ScopePolicyBypass, "Booking changes require override token")
	}
	return Deny(reasonInsufficient)
}

func (BookingPolicy) CanList(c Context, filters map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	return Allow()
}

// CareLogPolicy guards care records. Staff write them but cannot erase them
// without escalation.
type CareLogPolicy struct{}

func (CareLogPolicy) CanCreate(c Context, data map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (CareLogPolicy) CanRead(c Context, l kennel.CareLog) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	if l.OwnerID == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (CareLogPolicy) CanUpdate(c Context, l kennel.CareLog, changes map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (CareLogPolicy) CanDelete(c Context, l kennel.CareLog) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Elevated() {
		return Allow()
	}
	if c.IsStaff {
		return RequireOverride(ScopePolicyBypass, "Staff care log deletions require override token")
	}
	return Deny(reasonInsufficient)
}

func (CareLogPolicy) CanList(c Context, filters map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	return Allow()
}

// NotificationPolicy guards notification records.
type NotificationPolicy struct{}

func (NotificationPolicy) CanCreate(c Context, data map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (NotificationPolicy) CanRead(c Context, n kennel.Notification) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	if n.UserID == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (NotificationPolicy) CanUpdate(c Context, n kennel.Notification, changes map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Privileged() {
		return Allow()
	}
	if n.UserID == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (NotificationPolicy) CanDelete(c Context, n kennel.Notification) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	if c.Elevated() {
		return Allow()
	}
	if c.IsCustomer && n.UserID == c.UserID {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (NotificationPolicy) CanList(c Context, filters map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	return Allow()
}

// KennelPolicy guards facility inventory. Reads are open to every recognized
// role; mutations are owner/admin only.
type KennelPolicy struct{}

func (KennelPolicy) CanCreate(c Context, data map[string]any) Decision {
	if c.Elevated() {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (KennelPolicy) CanRead(c Context, k kennel.Kennel) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	return Allow()
}

func (KennelPolicy) CanUpdate(c Context, k kennel.Kennel, changes map[string]any) Decision {
	if c.Elevated() {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (KennelPolicy) CanDelete(c Context, k kennel.Kennel) Decision {
	if c.Elevated() {
		return Allow()
	}
	return Deny(reasonInsufficient)
}

func (KennelPolicy) CanList(c Context, filters map[string]any) Decision {
	if !c.Known() {
		return Deny(reasonInsufficient)
	}
	return Allow()
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	v, _ := data[key].(string)
	return strings.TrimSpace(v)
}

func hasField(data map[string]any, key string) bool {
	if data == nil {
		return false
	}
	_, ok := data[key]
	return ok
}

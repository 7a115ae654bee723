package contracts

import (
	"fmt"
	"strings"
)

// Role is a caller role. Roles form a strict hierarchy; each role implies
// every permission of the roles below it.
type Role string

// Role constants, lowest to highest.
const (
	RoleAnalyst   Role = "analyst"
	RoleEngineer  Role = "engineer"
	RoleExecutive Role = "executive"
	RoleAdmin     Role = "admin"
)

var roleOrder = []Role{RoleAnalyst, RoleEngineer, RoleExecutive, RoleAdmin}

// Roles returns the hierarchy, lowest first.
func Roles() []Role {
	out := make([]Role, len(roleOrder))
	copy(out, roleOrder)
	return out
}

// Index returns the hierarchy index of r, or -1 for an unknown role.
func (r Role) Index() int {
	for i, known := range roleOrder {
		if known == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is part of the hierarchy.
func (r Role) Valid() bool { return r.Index() >= 0 }

// Satisfies reports whether r is at or above required in the hierarchy.
func (r Role) Satisfies(required Role) bool {
	ri, qi := r.Index(), required.Index()
	return ri >= 0 && qi >= 0 && ri >= qi
}

// ParseRole normalizes a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// UserIdentity anchors every interaction to a caller.
type UserIdentity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// IsZero reports whether the identity is absent.
func (u UserIdentity) IsZero() bool {
	return u.UserID == "" && u.Role == ""
}

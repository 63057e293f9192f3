package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of account roles. Permission codes are data-driven
// and open-ended; roles are not.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleTeller   Role = "teller"
	RoleViewer   Role = "viewer"
	RoleEmployee Role = "employee"
)

// Roles lists every valid role.
var Roles = []Role{RoleAdmin, RoleManager, RoleTeller, RoleViewer, RoleEmployee}

// ParseRole normalizes and validates a role string.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Roles {
		if role == known {
			return role, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// Valid reports whether the role belongs to the closed enumeration.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

func (r Role) String() string { return string(r) }

package models

import (
	"fmt"
	"strings"
)

// Role is the marketplace role of an authenticated user
type Role string

const (
	RoleHost   Role = "HOST"   // Lists GPUs and earns from sessions
	RoleRenter Role = "RENTER" // Rents GPUs and pays for sessions
)

// ParseRole converts a loosely formatted role string into a Role
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(RoleHost):
		return RoleHost, nil
	case string(RoleRenter):
		return RoleRenter, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// Valid reports whether r is one of the two known roles
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleRenter
}

// RegisterPath returns the registration endpoint segment for the role
func (r Role) RegisterPath() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleRenter:
		return "renter"
	default:
		return ""
	}
}

// ProfilePath returns the profile listing endpoint for the role
func (r Role) ProfilePath() string {
	switch r {
	case RoleHost:
		return "/hosts/"
	case RoleRenter:
		return "/renters/"
	default:
		return ""
	}
}

func (r Role) String() string {
	return string(r)
}

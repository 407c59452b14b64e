package models

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Role grants access to groups of API routes
type Role string

const (
	// RoleHost is held by applications that report login outcomes
	RoleHost Role = "host"
	// RoleAdmin may additionally list blocks and run maintenance
	RoleAdmin Role = "admin"
)

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleHost, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrBadRequest, s)
}

// Allows reports whether a token with role r may use routes requiring required
func (r Role) Allows(required Role) bool {
	return r == required || r == RoleAdmin
}

// ServiceClaims are the claims carried by service tokens
type ServiceClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

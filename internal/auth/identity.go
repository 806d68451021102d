// Package auth holds the caller identity handed to every chat operation by the
// identity provider (the user feature plus the JWT middleware).
package auth

import (
	"context"
	"strings"
)

// Role is resolved once at the boundary from the token claims.
type Role string

const (
	RoleMember       Role = "member"
	RoleStudent      Role = "student"
	RoleHost         Role = "host"
	RoleOrganization Role = "organization"
)

// ParseRole maps a claim value to a Role. Unknown values fall back to RoleMember.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleStudent:
		return RoleStudent
	case RoleHost:
		return RoleHost
	case RoleOrganization:
		return RoleOrganization
	default:
		return RoleMember
	}
}

// Label is the display label used in room member lists.
func (r Role) Label() string {
	switch r {
	case RoleHost:
		return "Host"
	case RoleOrganization:
		return "Organization"
	case RoleStudent:
		return "Student"
	default:
		return "Member"
	}
}

// CanModerate reports whether the role may remove other people's messages.
func (r Role) CanModerate() bool {
	return r == RoleHost || r == RoleOrganization
}

type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity injected by the auth middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.ID > 0
}

// Package auth turns the identity asserted by the fronting application into
// a request-scoped Identity. Callers arrive pre-authenticated: the identity is
// either forwarded in user and role headers or carried by a token the chat
// application signed with a shared secret.
package auth

import "slices"

// Default header names set by the fronting application.
const (
	DefaultUserHeader = "X-User-Id"
	DefaultRoleHeader = "X-User-Role"
	DefaultAdminRole  = "admin"
)

// Identity is the authenticated caller of one request.
type Identity struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
	Admin  bool     `json:"admin"`
}

func (i Identity) HasRole(role string) bool { return slices.Contains(i.Roles, role) }

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is used for context keys to avoid collisions
type ContextKey string

const (
	// ResultKey is the context key for the request Identity
	ResultKey ContextKey = "auth_identity"
)

// Config names the forwarded identity headers. With JWTSecret set the
// headers are ignored and the identity comes from a signed bearer token.
type Config struct {
	UserHeader string
	RoleHeader string
	AdminRole  string
	JWTSecret  string
}

// Middleware extracts the caller identity from forwarded headers or tokens.
type Middleware struct {
	userHeader string
	roleHeader string
	adminRole  string
	secret     []byte
}

func NewMiddleware(cfg Config) *Middleware {
	m := &Middleware{userHeader: cfg.UserHeader, roleHeader: cfg.RoleHeader, adminRole: cfg.AdminRole}
	if cfg.JWTSecret != "" {
		m.secret = []byte(cfg.JWTSecret)
	}
	if m.userHeader == "" {
		m.userHeader = DefaultUserHeader
	}
	if m.roleHeader == "" {
		m.roleHeader = DefaultRoleHeader
	}
	if m.adminRole == "" {
		m.adminRole = DefaultAdminRole
	}
	return m
}

// GinAuth returns a Gin middleware that rejects requests without a user.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := m.identify(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(string(ResultKey), id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), ResultKey, id))
		c.Next()
	}
}

// HTTPAuth is the net/http counterpart of GinAuth.
func (m *Middleware) HTTPAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := m.identify(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication_failed","message":"Authentication required"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ResultKey, id)))
	})
}

func (m *Middleware) identify(r *http.Request) (Identity, bool) {
	if m.secret != nil {
		claims, err := ParseToken(m.secret, bearer(r))
		if err != nil {
			return Identity{}, false
		}
		id := Identity{UserID: claims.user(), Roles: claims.Roles}
		id.Admin = id.HasRole(m.adminRole)
		return id, true
	}
	user := strings.TrimSpace(r.Header.Get(m.userHeader))
	if user == "" {
		return Identity{}, false
	}
	id := Identity{UserID: user}
	for _, role := range strings.Split(r.Header.Get(m.roleHeader), ",") {
		if role = strings.TrimSpace(role); role != "" {
			id.Roles = append(id.Roles, role)
		}
	}
	id.Admin = id.HasRole(m.adminRole)
	return id, true
}

// FromGin returns the identity stored by GinAuth.
func FromGin(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(string(ResultKey))
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// FromContext returns the identity stored by GinAuth or HTTPAuth.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ResultKey).(Identity)
	return id, ok
}

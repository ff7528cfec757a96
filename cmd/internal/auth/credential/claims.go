package credential

import (
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PermissionAdmin marks principals allowed to use the admin surface and the
// admin rate-limit ceiling.
const PermissionAdmin = "admin"

// accessClaims is the JWT body of an access token.
type accessClaims struct {
	SessionID      string   `json:"sid"`
	Permissions    []string `json:"perms,omitempty"`
	SessionVersion int64    `json:"sv"`
	jwt.RegisteredClaims
}

// Validate is called by the jwt parser after the registered claims pass.
func (c accessClaims) Validate() error {
	if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.SessionID) == "" || c.ID == "" {
		return ErrMalformedCredential
	}
	if c.SessionVersion < 1 {
		return ErrMalformedCredential
	}
	return nil
}

// Claims is the verified identity envelope of an access token.
type Claims struct {
	UserID         string
	SessionID      string
	TokenID        string
	Permissions    []string
	SessionVersion int64
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// Has reports whether the permission set contains p.
func (c Claims) Has(p string) bool {
	return slices.Contains(c.Permissions, p)
}

// IsAdmin reports whether the claims carry PermissionAdmin.
func (c Claims) IsAdmin() bool { return c.Has(PermissionAdmin) }

func (c accessClaims) toClaims() Claims {
	out := Claims{
		UserID:         c.Subject,
		SessionID:      c.SessionID,
		TokenID:        c.ID,
		Permissions:    c.Permissions,
		SessionVersion: c.SessionVersion,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}

package gateway

import (
	"context"
	"slices"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/credential"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	DeviceID       string    `json:"device_id,omitempty"`
	TokenID        string    `json:"-"`
	Permissions    []string  `json:"permissions"`
	SessionVersion int64     `json:"session_version"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// IsAdmin reports whether the principal carries the admin permission.
func (p Principal) IsAdmin() bool {
	return slices.Contains(p.Permissions, credential.PermissionAdmin)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

package gateway

import (
	"errors"
	"strings"
	"time"
)

// ErrConfig is returned for invalid gateway configuration.
var ErrConfig = errors.New("invalid gateway config")

// Config controls the request gateway.
type Config struct {
	// TrustProxy honors X-Forwarded-For / X-Real-IP when resolving client IPs.
	TrustProxy bool

	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64

	// InternalKey authenticates the identity provider calling
	// /internal/auth/login-complete. Empty disables the endpoint.
	InternalKey string

	// FamilyMaxLifetime is the absolute lifetime of a refresh family. Rotation
	// never extends a token past it.
	FamilyMaxLifetime time.Duration

	// ReplayRevokesAllSessions widens replay response from the replayed
	// family's session to every session of the user.
	ReplayRevokesAllSessions bool
}

// DefaultConfig returns production-safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:      1 << 20,
		FamilyMaxLifetime: 30 * 24 * time.Hour,
	}
}

// Validate returns ErrConfig when a field is out of range.
func (c Config) Validate() error {
	switch {
	case c.MaxBodyBytes <= 0:
		return ErrConfig
	case c.FamilyMaxLifetime <= 0:
		return ErrConfig
	case c.InternalKey != "" && len(strings.TrimSpace(c.InternalKey)) < 16:
		return ErrConfig
	}
	return nil
}

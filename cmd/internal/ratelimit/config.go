package ratelimit

import (
	"errors"
	"time"
)

// ErrConfig is returned for invalid limiter configuration.
var ErrConfig = errors.New("invalid rate limit config")

// Rule is the budget for one endpoint class.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Config controls limits and escalation.
type Config struct {
	Auth    Rule
	Admin   Rule
	API     Rule
	Default Rule

	// AdminMultiplier scales the limit for administrative identities. It is
	// always finite.
	AdminMultiplier int

	// SharedIPMultiplier scales the per-IP limit applied to authenticated
	// traffic, where several accounts may share one address.
	SharedIPMultiplier int

	// Escalation: ViolationThreshold denials within ViolationWindow, or an
	// estimate at twice the limit, blocks the identity for PenaltyDuration.
	ViolationThreshold int
	ViolationWindow    time.Duration
	PenaltyDuration    time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Auth:               Rule{Limit: 10, Window: time.Minute},
		Admin:              Rule{Limit: 100, Window: time.Minute},
		API:                Rule{Limit: 120, Window: time.Minute},
		Default:            Rule{Limit: 60, Window: time.Minute},
		AdminMultiplier:    3,
		SharedIPMultiplier: 4,
		ViolationThreshold: 5,
		ViolationWindow:    time.Minute,
		PenaltyDuration:    5 * time.Minute,
	}
}

// Rule returns the rule for class c.
func (c Config) Rule(class Class) Rule {
	switch class {
	case ClassAuth:
		return c.Auth
	case ClassAdmin:
		return c.Admin
	case ClassAPI:
		return c.API
	default:
		return c.Default
	}
}

// Validate returns ErrConfig if any field is out of range.
func (c Config) Validate() error {
	for _, r := range []Rule{c.Auth, c.Admin, c.API, c.Default} {
		if r.Limit <= 0 || r.Window < time.Millisecond {
			return ErrConfig
		}
	}
	if c.AdminMultiplier < 1 || c.SharedIPMultiplier < 1 {
		return ErrConfig
	}
	if c.ViolationThreshold < 1 || c.ViolationWindow <= 0 || c.PenaltyDuration <= 0 {
		return ErrConfig
	}
	return nil
}

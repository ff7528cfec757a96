package credential

import "time"

// Config controls credential pair issuance.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// Audience is the value set in the "aud" claim and required on verify.
	Audience string

	// AccessTokenTTL is the lifetime of access tokens.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of a single refresh token. Family
	// lifetime is capped separately by the refresh store.
	RefreshTokenTTL time.Duration

	// ClockSkew is the leeway applied to exp/nbf/iat during verification.
	ClockSkew time.Duration

	// RefreshTokenBytes is the entropy of opaque refresh tokens.
	RefreshTokenBytes int
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:            "signalhub",
		Audience:          "signalhub-api",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   7 * 24 * time.Hour,
		ClockSkew:         30 * time.Second,
		RefreshTokenBytes: 32,
	}
}

// Validate returns ErrConfig when any field is out of range.
func (c Config) Validate() error {
	switch {
	case c.Issuer == "", c.Audience == "":
		return ErrConfig
	case c.AccessTokenTTL <= 0, c.RefreshTokenTTL <= 0:
		return ErrConfig
	case c.AccessTokenTTL >= c.RefreshTokenTTL:
		return ErrConfig
	case c.ClockSkew < 0 || c.ClockSkew > 5*time.Minute:
		return ErrConfig
	case c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64:
		return ErrConfig
	}
	return nil
}

package device

import "time"

// Config controls the device registry.
type Config struct {
	// CodeTTL is how long a verification code stays valid.
	CodeTTL time.Duration

	// CodeDigits is the length of numeric verification codes.
	CodeDigits int

	// MaxCodeAttempts bounds wrong guesses per issued code.
	MaxCodeAttempts int

	// DefaultPageSize / MaxPageSize bound device listings.
	DefaultPageSize int
	MaxPageSize     int
}

// DefaultConfig returns production-safe defaults.
func DefaultConfig() Config {
	return Config{
		CodeTTL:         10 * time.Minute,
		CodeDigits:      6,
		MaxCodeAttempts: 5,
		DefaultPageSize: 20,
		MaxPageSize:     100,
	}
}

// Validate returns ErrConfig when any field is out of range.
func (c Config) Validate() error {
	switch {
	case c.CodeTTL <= 0 || c.CodeTTL > 24*time.Hour:
		return ErrConfig
	case c.CodeDigits < 6 || c.CodeDigits > 10:
		return ErrConfig
	case c.MaxCodeAttempts < 1:
		return ErrConfig
	case c.DefaultPageSize < 1 || c.MaxPageSize < c.DefaultPageSize:
		return ErrConfig
	}
	return nil
}

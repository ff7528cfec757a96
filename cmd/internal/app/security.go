package app

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dagz55/d-gateway-sub002/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy. It fails fast;
// the server never falls back to weaker settings.
func ValidateSecurityConfig(cfg Config) error {
	if _, err := token.DeriveKeys(cfg.MasterKey); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return fmt.Errorf("%w: security policy: SIGNALHUB_MASTER_KEY is missing", ErrConfig)
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return fmt.Errorf("%w: security policy: SIGNALHUB_MASTER_KEY is too short (min %d bytes)", ErrConfig, token.MinMasterKeyBytes)
		default:
			return err
		}
	}

	if cfg.CORSAllowCredentials && slices.Contains(cfg.CORSAllowedOrigins, "*") {
		return fmt.Errorf("%w: security policy: credentialed CORS cannot allow every origin", ErrConfig)
	}

	if !cfg.Production() {
		return nil
	}
	switch {
	case cfg.WSDevInsecure:
		return fmt.Errorf("%w: security policy: ws_dev_insecure is not allowed in production", ErrConfig)
	case cfg.DatabaseURL == "":
		return fmt.Errorf("%w: security policy: production requires database_url", ErrConfig)
	case cfg.MasterKey == cfg.InternalKey:
		return fmt.Errorf("%w: security policy: internal_key must differ from master_key", ErrConfig)
	}
	return nil
}

package credential

import "errors"

var (
	// ErrExpiredCredential is returned when an access token is past its exp claim.
	ErrExpiredCredential = errors.New("credential expired")

	// ErrInvalidSignature is returned when the signature, algorithm, issuer or
	// audience does not match this issuer.
	ErrInvalidSignature = errors.New("credential signature invalid")

	// ErrMalformedCredential is returned when the token cannot be parsed or is
	// missing required claims.
	ErrMalformedCredential = errors.New("credential malformed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid credential config")
)

package device

import "errors"

var (
	// ErrDeviceNotFound is returned when the device does not exist for the user.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidCode is returned when a verification code does not match or
	// no code is outstanding.
	ErrInvalidCode = errors.New("invalid verification code")

	// ErrCodeExpired is returned when the outstanding code is past expiry.
	ErrCodeExpired = errors.New("verification code expired")

	// ErrTooManyAttempts is returned once a code has been guessed wrong too often.
	// The code is discarded at that point.
	ErrTooManyAttempts = errors.New("verification code attempts exhausted")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid device config")
)

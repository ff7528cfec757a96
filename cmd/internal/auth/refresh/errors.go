package refresh

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownToken is returned when the presented digest matches no stored token.
	ErrUnknownToken = errors.New("unknown refresh token")

	// ErrReplayDetected is returned when an already used token is presented again.
	// The family has been revoked by the time the caller sees this error.
	ErrReplayDetected = errors.New("refresh token replay detected")

	// ErrFamilyRevoked is returned when the token belongs to a revoked family.
	ErrFamilyRevoked = errors.New("refresh token family revoked")

	// ErrRefreshExpired is returned when the token or its family is past expiry.
	ErrRefreshExpired = errors.New("refresh token expired")

	// ErrFamilyNotFound is returned when a family id does not exist.
	ErrFamilyNotFound = errors.New("refresh token family not found")
)

// ReplayError identifies the family that was revoked because of a replay.
type ReplayError struct {
	FamilyID  string
	UserID    string
	SessionID string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("%s: family %s", ErrReplayDetected.Error(), e.FamilyID)
}

func (e *ReplayError) Unwrap() error { return ErrReplayDetected }

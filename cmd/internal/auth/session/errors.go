package session

import "errors"

var (
	// ErrSessionNotFound is returned when no session matches the id (or it
	// belongs to another user).
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInactive is returned for revoked or expired sessions.
	ErrSessionInactive = errors.New("session inactive")

	// ErrStaleSessionVersion is returned when a credential was minted against
	// an older session version.
	ErrStaleSessionVersion = errors.New("stale session version")

	// ErrInvalidationNotFound is returned when a pending invalidation does not
	// exist, already executed, or was canceled.
	ErrInvalidationNotFound = errors.New("pending invalidation not found")

	// ErrExtensionNotAllowed is returned when delaying an invalidation that
	// was scheduled without allowExtension.
	ErrExtensionNotAllowed = errors.New("invalidation extension not allowed")

	// ErrInvalidSchedule is returned for out-of-range delays or warning windows.
	ErrInvalidSchedule = errors.New("invalid invalidation schedule")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)

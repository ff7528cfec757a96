package device

import (
	"context"
	"time"
)

// Code is an outstanding verification code for one device.
type Code struct {
	DeviceID  string
	UserID    string
	Hash      string
	Attempts  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store abstracts device persistence.
type Store interface {
	// Upsert inserts d, or, when (user, fingerprint) already exists, refreshes
	// last_seen/last_ip and reactivates it. It returns the stored row.
	Upsert(ctx context.Context, d Device) (Device, error)

	// Get loads a device owned by userID.
	Get(ctx context.Context, userID, deviceID string) (Device, error)

	// List returns userID's devices, most recently seen first.
	List(ctx context.Context, userID string, page Page) ([]Device, error)

	// SetTrusted flips the trust flag.
	SetTrusted(ctx context.Context, userID, deviceID string, trusted bool) (Device, error)

	// Delete hard-deletes the device and its outstanding code.
	Delete(ctx context.Context, userID, deviceID string) error

	// PutCode replaces any outstanding code for the device.
	PutCode(ctx context.Context, c Code) error

	// ClaimCodeAttempt atomically spends one attempt on the outstanding code
	// and returns it with the updated count. It fails with ErrTooManyAttempts
	// once maxAttempts have been spent and ErrInvalidCode when there is no code.
	ClaimCodeAttempt(ctx context.Context, userID, deviceID string, maxAttempts int) (Code, error)

	// DeleteCode consumes the outstanding code. It reports whether a code was
	// deleted, so concurrent verifications succeed at most once.
	DeleteCode(ctx context.Context, userID, deviceID string) (bool, error)

	// PurgeExpiredCodes removes codes that expired before now.
	PurgeExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

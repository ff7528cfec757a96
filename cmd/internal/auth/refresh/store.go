// Package refresh persists refresh-token digests grouped into rotation
// families and enforces single-use rotation with replay detection.
//
// Invariants:
//   - at most one unused token exists per family;
//   - presenting a used token revokes the whole family;
//   - a revoked family never rotates again.
package refresh

import (
	"context"
	"time"
)

// Family is one chain of rotations that started at a single login.
type Family struct {
	ID              string
	UserID          string
	SessionID       string
	SessionVersion  int64
	CurrentTokenJTI string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	RevokedAt       *time.Time
	RevokeReason    *string
}

// Active reports whether the family can still rotate at now.
func (f Family) Active(now time.Time) bool {
	return f.RevokedAt == nil && now.Before(f.ExpiresAt)
}

// Token is one stored refresh-token digest.
type Token struct {
	Hash          string
	FamilyID      string
	UserID        string
	SessionID     string
	AccessTokenID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UsedAt        *time.Time
}

// Next describes the token that replaces the presented one.
type Next struct {
	Hash          string
	AccessTokenID string
	TTL           time.Duration
}

// Rotation is the result of a successful rotation.
type Rotation struct {
	Family Family
	Token  Token
}

// Store abstracts refresh-token persistence.
//
// Rotate MUST be atomic: the presented token is looked up with a row lock and
// marked used in the same transaction that inserts its successor.
type Store interface {
	// CreateFamily persists a new family together with its first token. The
	// family keeps the session version it was minted under for its lifetime.
	CreateFamily(ctx context.Context, fam Family, first Token) error

	// Rotate consumes presentedHash and stores next as the family's only
	// unused token. See package docs for the error contract.
	Rotate(ctx context.Context, now time.Time, presentedHash string, next Next) (Rotation, error)

	// GetFamily loads a family by id.
	GetFamily(ctx context.Context, familyID string) (Family, error)

	// RevokeFamily revokes one family. Revoking twice keeps the first reason.
	RevokeFamily(ctx context.Context, now time.Time, familyID, reason string) error

	// RevokeSession revokes every family bound to sessionID.
	RevokeSession(ctx context.Context, now time.Time, sessionID, reason string) (int, error)

	// RevokeUser revokes every family of userID.
	RevokeUser(ctx context.Context, now time.Time, userID, reason string) (int, error)

	// PurgeExpired deletes families (and their tokens) that expired before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// nextExpiry caps a rotated token's lifetime at the family's absolute expiry.
func nextExpiry(now time.Time, ttl time.Duration, familyExpiry time.Time) time.Time {
	exp := now.Add(ttl)
	if familyExpiry.Before(exp) {
		return familyExpiry
	}
	return exp
}

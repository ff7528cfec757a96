package ratelimit

import (
	"context"
	"time"
)

// Counts are the hits in the current and previous window buckets.
type Counts struct {
	Current  int64
	Previous int64
}

// Store holds limiter counters. Incr MUST be an atomic increment-and-fetch.
// Backend failures are reported as fault.ErrStoreUnavailable so the limiter
// can fail open.
type Store interface {
	// Incr adds one hit to bucket and returns it with the previous bucket.
	// Buckets expire on their own after two windows.
	Incr(ctx context.Context, key string, bucket int64, window time.Duration) (Counts, error)

	// Peek reads bucket and its predecessor without counting a hit.
	Peek(ctx context.Context, key string, bucket int64) (Counts, error)

	// AddViolation counts one denial for key within window and returns the total.
	AddViolation(ctx context.Context, key string, window time.Duration) (int64, error)

	// Block denies key until the given time.
	Block(ctx context.Context, key string, until time.Time, ttl time.Duration) error

	// BlockedUntil returns the block deadline, or the zero time.
	BlockedUntil(ctx context.Context, key string) (time.Time, error)
}

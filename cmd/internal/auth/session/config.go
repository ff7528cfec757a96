package session

import "time"

// Config controls session lifetime, heartbeat throttling and the pending
// invalidation scheduler.
type Config struct {
	// SessionTTL is the absolute session lifetime. It should match the refresh
	// family lifetime so a session never outlives its credentials.
	SessionTTL time.Duration

	// HeartbeatInterval is the minimum spacing between persisted activity
	// updates for one session.
	HeartbeatInterval time.Duration

	// MaxScheduleDelay bounds how far in the future an invalidation may be scheduled.
	MaxScheduleDelay time.Duration
	// MaxExtension bounds a single DelayInvalidation call.
	MaxExtension time.Duration
	// DefaultWarningMinutes applies when a schedule request leaves the warning window unset.
	DefaultWarningMinutes int

	SchedulerInterval time.Duration
	SchedulerBatch    int

	DefaultPageSize int
	MaxPageSize     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:            30 * 24 * time.Hour,
		HeartbeatInterval:     time.Minute,
		MaxScheduleDelay:      7 * 24 * time.Hour,
		MaxExtension:          24 * time.Hour,
		DefaultWarningMinutes: 5,
		SchedulerInterval:     5 * time.Second,
		SchedulerBatch:        100,
		DefaultPageSize:       20,
		MaxPageSize:           100,
	}
}

// Validate returns ErrConfig if any field is out of range.
func (c Config) Validate() error {
	switch {
	case c.SessionTTL <= 0,
		c.HeartbeatInterval < 0,
		c.MaxScheduleDelay <= 0,
		c.MaxExtension <= 0,
		c.DefaultWarningMinutes < 0,
		c.SchedulerInterval <= 0,
		c.SchedulerBatch <= 0,
		c.DefaultPageSize <= 0,
		c.MaxPageSize < c.DefaultPageSize:
		return ErrConfig
	}
	return nil
}

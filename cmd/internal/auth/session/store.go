package session

import (
	"context"
	"slices"
	"time"
)

// Session is one authenticated client session.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Version      int64      `json:"session_version"`
	DeviceID     string     `json:"device_id,omitempty"`
	FamilyID     string     `json:"-"`
	IPAddress    string     `json:"ip_address,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
	Location     string     `json:"location,omitempty"`
	Permissions  []string   `json:"permissions"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Active       bool       `json:"is_active"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason *string    `json:"revoke_reason,omitempty"`
}

// Usable reports whether the session is active and unexpired at now.
func (s Session) Usable(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// Trigger names what caused an invalidation.
type Trigger string

const (
	TriggerUser           Trigger = "user"
	TriggerAdmin          Trigger = "admin"
	TriggerPasswordChange Trigger = "password_change"
	TriggerRoleChange     Trigger = "role_change"
	TriggerSecurity       Trigger = "security"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerUser, TriggerAdmin, TriggerPasswordChange, TriggerRoleChange, TriggerSecurity:
		return true
	}
	return false
}

// Pending is a scheduled invalidation. An empty SessionIDs targets every
// session the user has active when it executes.
type Pending struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SessionIDs     []string   `json:"session_ids"`
	Trigger        Trigger    `json:"trigger"`
	Message        string     `json:"message"`
	TriggeredBy    string     `json:"triggered_by"`
	ExecuteAt      time.Time  `json:"execute_at"`
	WarningMinutes int        `json:"warning_time_minutes"`
	AllowExtension bool       `json:"allow_extension"`
	WarnedAt       *time.Time `json:"warned_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// WarnAt is when clients should first be told about the invalidation.
func (p Pending) WarnAt() time.Time {
	return p.ExecuteAt.Add(-time.Duration(p.WarningMinutes) * time.Minute)
}

// Targets reports whether sessionID is covered by p.
func (p Pending) Targets(sessionID string) bool {
	return len(p.SessionIDs) == 0 || slices.Contains(p.SessionIDs, sessionID)
}

// Event is an append-only invalidation audit record.
type Event struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Reason           string    `json:"reason"`
	AffectedSessions []string  `json:"affected_sessions"`
	TriggeredBy      string    `json:"triggered_by"`
	Timestamp        time.Time `json:"timestamp"`
}

// Selector picks the active sessions an invalidation applies to. UserID is
// always required; the other fields narrow the set.
type Selector struct {
	UserID     string
	SessionIDs []string
	DeviceID   string
	ExceptID   string
}

func (sel Selector) matches(s *Session) bool {
	if s.UserID != sel.UserID || !s.Active {
		return false
	}
	if len(sel.SessionIDs) > 0 && !slices.Contains(sel.SessionIDs, s.ID) {
		return false
	}
	if sel.DeviceID != "" && s.DeviceID != sel.DeviceID {
		return false
	}
	return sel.ExceptID == "" || s.ID != sel.ExceptID
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps p into [1, max] with def as the zero-value limit.
func (p Page) Normalize(def, max int) Page {
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > max {
		p.Limit = max
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store abstracts session, pending-invalidation and event persistence.
//
// Invalidate and ExecutePending MUST deactivate sessions and append the event
// atomically. ExecutePending and CancelPending MUST consume the pending row
// with a single conditional delete so at most one of them succeeds.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, sessionID string) (Session, error)
	ListActive(ctx context.Context, userID string, now time.Time, page Page) ([]Session, error)

	// Touch sets last_activity to now when the session is active and was last
	// touched at or before threshold. It reports whether a row changed.
	Touch(ctx context.Context, sessionID string, now, threshold time.Time) (bool, error)

	// BumpVersion increments the version of every active session of userID
	// except excludeID and, when perms is non-nil, replaces permissions on all
	// of them. It returns the bumped session ids.
	BumpVersion(ctx context.Context, userID, excludeID string, perms []string) ([]string, error)

	// Invalidate deactivates the selected sessions and, if any changed,
	// appends ev with AffectedSessions filled in.
	Invalidate(ctx context.Context, sel Selector, ev Event) (Event, error)

	ListEvents(ctx context.Context, userID string, page Page) ([]Event, error)

	CreatePending(ctx context.Context, p Pending) error
	GetPending(ctx context.Context, id string) (Pending, error)
	ListPending(ctx context.Context, userID string) ([]Pending, error)

	// DelayPending pushes execute_at forward by d and clears warned_at.
	// userID scopes the row; empty means any owner.
	DelayPending(ctx context.Context, id, userID string, d time.Duration) (Pending, error)

	// CancelPending deletes the row and returns it. userID scopes the row.
	CancelPending(ctx context.Context, id, userID string) (Pending, error)

	// ExecutePending deletes the row, deactivates its sessions and appends ev
	// in one unit. userID scopes the row.
	ExecutePending(ctx context.Context, id, userID string, ev Event) (Pending, Event, error)

	DuePending(ctx context.Context, now time.Time, limit int) ([]Pending, error)
	WarnablePending(ctx context.Context, now time.Time, limit int) ([]Pending, error)
	MarkWarned(ctx context.Context, id string, now time.Time) (bool, error)
}

package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/credential"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/ids"
)

// Coordinator owns session state transitions for signalhub.
type Coordinator struct {
	cfg      Config
	store    Store
	families FamilyRevoker
	notifier Notifier
	rec      Recorder
	log      *slog.Logger
	now      func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithNotifier sets the client push channel.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.rec = r
		}
	}
}

// WithClock overrides the clock used by entry points that take no explicit
// time (RevokeDeviceSessions and the Scheduler).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator wires a Coordinator. families is required so invalidated
// sessions lose their refresh lineage.
func NewCoordinator(cfg Config, store Store, families FamilyRevoker, log *slog.Logger, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || families == nil {
		return nil, ErrConfig
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		families: families,
		notifier: NopNotifier{},
		rec:      nopRecorder{},
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// NewSession describes a session to create after a successful login.
type NewSession struct {
	ID          string
	UserID      string
	DeviceID    string
	FamilyID    string
	IPAddress   string
	UserAgent   string
	Location    string
	Permissions []string
}

// Create persists an active session at version 1.
func (c *Coordinator) Create(ctx context.Context, ns NewSession, now time.Time) (Session, error) {
	s := Session{
		ID:           ns.ID,
		UserID:       ns.UserID,
		Version:      1,
		DeviceID:     ns.DeviceID,
		FamilyID:     ns.FamilyID,
		IPAddress:    ns.IPAddress,
		UserAgent:    ns.UserAgent,
		Location:     ns.Location,
		Permissions:  slices.Clone(ns.Permissions),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(c.cfg.SessionTTL),
		Active:       true,
	}
	if s.Permissions == nil {
		s.Permissions = []string{}
	}
	if err := c.store.Create(ctx, s); err != nil {
		return Session{}, err
	}
	c.log.Info("session.created", "user_id", s.UserID, "session_id", s.ID, "device_id", s.DeviceID)
	return s, nil
}

// Get returns userID's session. Sessions of other users are reported as
// not found.
func (c *Coordinator) Get(ctx context.Context, userID, sessionID string) (Session, error) {
	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.UserID != userID {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// ListActive returns userID's usable sessions, most recently active first.
func (c *Coordinator) ListActive(ctx context.Context, userID string, page Page, now time.Time) ([]Session, error) {
	return c.store.ListActive(ctx, userID, now, page.Normalize(c.cfg.DefaultPageSize, c.cfg.MaxPageSize))
}

// UpdateActivity records a heartbeat. Writes are throttled to one per
// HeartbeatInterval; the version is never touched.
func (c *Coordinator) UpdateActivity(ctx context.Context, sessionID string, now time.Time) error {
	_, err := c.store.Touch(ctx, sessionID, now, now.Add(-c.cfg.HeartbeatInterval))
	return err
}

// Check loads the session named by claims and verifies it can still serve
// requests at now.
func (c *Coordinator) Check(ctx context.Context, claims credential.Claims, now time.Time) (Session, error) {
	s, err := c.store.Get(ctx, claims.SessionID)
	if err != nil {
		return Session{}, err
	}
	if s.UserID != claims.UserID {
		return Session{}, ErrSessionNotFound
	}
	if !s.Usable(now) {
		return Session{}, ErrSessionInactive
	}
	if claims.SessionVersion < s.Version {
		return Session{}, ErrStaleSessionVersion
	}
	return s, nil
}

// BumpVersion increments the version of every active session of userID
// except excludeSessionID. Credentials minted before the bump stop
// validating. A non-nil perms replaces the stored permissions.
func (c *Coordinator) BumpVersion(ctx context.Context, userID, excludeSessionID string, perms []string, triggeredBy string) ([]string, error) {
	bumped, err := c.store.BumpVersion(ctx, userID, excludeSessionID, perms)
	if err != nil {
		return nil, err
	}
	c.log.Info("session.version.bumped", "user_id", userID, "excluded", excludeSessionID, "sessions", len(bumped), "triggered_by", triggeredBy)
	return bumped, nil
}

// Revoke invalidates one session of userID. Revoking an already inactive
// session is a no-op.
func (c *Coordinator) Revoke(ctx context.Context, userID, sessionID, reason, triggeredBy string, now time.Time) error {
	if _, err := c.Get(ctx, userID, sessionID); err != nil {
		return err
	}
	_, err := c.invalidate(ctx, Selector{UserID: userID, SessionIDs: []string{sessionID}}, reason, triggeredBy, now)
	return err
}

// InvalidateAll is the "log out everywhere" primitive. With excludeCurrent,
// currentSessionID stays active. One event covers every affected session.
func (c *Coordinator) InvalidateAll(ctx context.Context, userID string, excludeCurrent bool, currentSessionID, triggeredBy string, now time.Time) (Event, error) {
	sel := Selector{UserID: userID}
	if excludeCurrent {
		sel.ExceptID = currentSessionID
	}
	return c.invalidate(ctx, sel, "invalidate_all", triggeredBy, now)
}

// RevokeDeviceSessions invalidates every active session bound to deviceID.
func (c *Coordinator) RevokeDeviceSessions(ctx context.Context, userID, deviceID, triggeredBy string) ([]string, error) {
	ev, err := c.invalidate(ctx, Selector{UserID: userID, DeviceID: deviceID}, "device_revoked", triggeredBy, c.now())
	if err != nil {
		return nil, err
	}
	return ev.AffectedSessions, nil
}

func (c *Coordinator) newEvent(userID, reason, triggeredBy string, now time.Time) (Event, error) {
	id, err := ids.NewPrefixedULID("evt", now)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: id, UserID: userID, Reason: reason, TriggeredBy: triggeredBy, Timestamp: now}, nil
}

func (c *Coordinator) invalidate(ctx context.Context, sel Selector, reason, triggeredBy string, now time.Time) (Event, error) {
	ev, err := c.newEvent(sel.UserID, reason, triggeredBy, now)
	if err != nil {
		return Event{}, err
	}
	ev, err = c.store.Invalidate(ctx, sel, ev)
	if err != nil {
		return Event{}, err
	}
	c.afterInvalidation(ctx, ev, now)
	return ev, nil
}

// afterInvalidation revokes refresh lineages and notifies clients. Family
// revocation failures are logged; the sessions are already inactive and
// refresh rotation re-checks session state.
func (c *Coordinator) afterInvalidation(ctx context.Context, ev Event, now time.Time) {
	if len(ev.AffectedSessions) == 0 {
		return
	}
	for _, sid := range ev.AffectedSessions {
		if _, err := c.families.RevokeSession(ctx, now, sid, ev.Reason); err != nil {
			c.log.Error("session.family_revoke_failed", "user_id", ev.UserID, "session_id", sid, "err", err)
		}
	}
	c.rec.SessionsInvalidated(ev.Reason, len(ev.AffectedSessions))
	c.notifier.SessionsInvalidated(ctx, ev)
	c.log.Info("session.invalidated",
		"user_id", ev.UserID,
		"reason", ev.Reason,
		"sessions", len(ev.AffectedSessions),
		"triggered_by", ev.TriggeredBy,
	)
}

// History returns userID's invalidation events, newest first.
func (c *Coordinator) History(ctx context.Context, userID string, page Page) ([]Event, error) {
	return c.store.ListEvents(ctx, userID, page.Normalize(c.cfg.DefaultPageSize, c.cfg.MaxPageSize))
}

// IsRejection reports whether err means the presented credential must not be
// honored (as opposed to a backend failure).
func IsRejection(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionInactive) ||
		errors.Is(err, ErrStaleSessionVersion)
}

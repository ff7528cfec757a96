package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/ids"
)

// ScheduleRequest describes a delayed invalidation.
type ScheduleRequest struct {
	UserID string
	// SessionIDs narrows the invalidation; empty means every session active
	// at execution time.
	SessionIDs     []string
	Trigger        Trigger
	Message        string
	TriggeredBy    string
	Delay          time.Duration
	WarningMinutes *int
	AllowExtension bool
}

// ScheduleInvalidation records a pending invalidation that executes after
// req.Delay unless canceled.
func (c *Coordinator) ScheduleInvalidation(ctx context.Context, req ScheduleRequest, now time.Time) (Pending, error) {
	if strings.TrimSpace(req.UserID) == "" || !req.Trigger.Valid() {
		return Pending{}, ErrInvalidSchedule
	}
	if req.Delay < 0 || req.Delay > c.cfg.MaxScheduleDelay {
		return Pending{}, ErrInvalidSchedule
	}
	warn := c.cfg.DefaultWarningMinutes
	if req.WarningMinutes != nil {
		warn = *req.WarningMinutes
	}
	if warn < 0 || time.Duration(warn)*time.Minute > c.cfg.MaxScheduleDelay {
		return Pending{}, ErrInvalidSchedule
	}

	id, err := ids.NewPrefixedULID("inv", now)
	if err != nil {
		return Pending{}, err
	}

	targets := slices.Clone(req.SessionIDs)
	slices.Sort(targets)
	targets = slices.Compact(targets)

	p := Pending{
		ID:             id,
		UserID:         req.UserID,
		SessionIDs:     targets,
		Trigger:        req.Trigger,
		Message:        req.Message,
		TriggeredBy:    req.TriggeredBy,
		ExecuteAt:      now.Add(req.Delay),
		WarningMinutes: warn,
		AllowExtension: req.AllowExtension,
		CreatedAt:      now,
	}
	if p.SessionIDs == nil {
		p.SessionIDs = []string{}
	}
	if err := c.store.CreatePending(ctx, p); err != nil {
		return Pending{}, err
	}

	c.rec.InvalidationScheduled(string(p.Trigger))
	c.log.Info("session.invalidation.scheduled",
		"invalidation_id", p.ID,
		"user_id", p.UserID,
		"trigger", p.Trigger,
		"execute_at", p.ExecuteAt,
		"sessions", len(p.SessionIDs),
	)
	return p, nil
}

// CancelInvalidation removes a pending invalidation before it executes.
// userID scopes the lookup; pass "" for administrative access.
func (c *Coordinator) CancelInvalidation(ctx context.Context, userID, id string) (Pending, error) {
	p, err := c.store.CancelPending(ctx, id, userID)
	if err != nil {
		return Pending{}, err
	}
	c.log.Info("session.invalidation.canceled", "invalidation_id", id, "user_id", p.UserID)
	return p, nil
}

// DelayInvalidation pushes executeAt forward by extra. It fails with
// ErrExtensionNotAllowed unless the invalidation allows extension.
func (c *Coordinator) DelayInvalidation(ctx context.Context, userID, id string, extra time.Duration) (Pending, error) {
	if extra <= 0 || extra > c.cfg.MaxExtension {
		return Pending{}, ErrInvalidSchedule
	}
	p, err := c.store.DelayPending(ctx, id, userID, extra)
	if err != nil {
		return Pending{}, err
	}
	c.log.Info("session.invalidation.delayed", "invalidation_id", id, "user_id", p.UserID, "execute_at", p.ExecuteAt)
	return p, nil
}

// ExecuteNow runs a pending invalidation immediately. A concurrent cancel or
// scheduler run means exactly one caller succeeds; the others get
// ErrInvalidationNotFound.
func (c *Coordinator) ExecuteNow(ctx context.Context, userID, id, triggeredBy string, now time.Time) (Event, error) {
	ev, err := c.newEvent(userID, "", triggeredBy, now)
	if err != nil {
		return Event{}, err
	}
	p, ev, err := c.store.ExecutePending(ctx, id, userID, ev)
	if err != nil {
		return Event{}, err
	}
	c.log.Info("session.invalidation.executed", "invalidation_id", p.ID, "user_id", p.UserID, "trigger", p.Trigger)
	c.afterInvalidation(ctx, ev, now)
	return ev, nil
}

// ListPending returns userID's pending invalidations ordered by executeAt.
func (c *Coordinator) ListPending(ctx context.Context, userID string) ([]Pending, error) {
	return c.store.ListPending(ctx, userID)
}

// RunDue executes every invalidation due at now and warns clients about the
// ones entering their warning window. It returns how many of each it handled.
func (c *Coordinator) RunDue(ctx context.Context, now time.Time) (warned, executed int, err error) {
	warnable, err := c.store.WarnablePending(ctx, now, c.cfg.SchedulerBatch)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range warnable {
		ok, err := c.store.MarkWarned(ctx, p.ID, now)
		if err != nil {
			return warned, executed, err
		}
		if !ok {
			continue
		}
		warned++
		c.notifier.InvalidationWarning(ctx, p)
		c.log.Info("session.invalidation.warned", "invalidation_id", p.ID, "user_id", p.UserID, "execute_at", p.ExecuteAt)
	}

	due, err := c.store.DuePending(ctx, now, c.cfg.SchedulerBatch)
	if err != nil {
		return warned, executed, err
	}
	for _, p := range due {
		_, err := c.ExecuteNow(ctx, "", p.ID, "", now)
		if errors.Is(err, ErrInvalidationNotFound) {
			continue
		}
		if err != nil {
			return warned, executed, err
		}
		executed++
	}
	return warned, executed, nil
}

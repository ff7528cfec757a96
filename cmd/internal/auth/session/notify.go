package session

import (
	"context"
	"time"
)

// FamilyRevoker revokes the refresh families bound to a session so an
// invalidated session cannot mint new credentials. refresh.Store satisfies it.
type FamilyRevoker interface {
	RevokeSession(ctx context.Context, now time.Time, sessionID, reason string) (int, error)
}

// Notifier pushes session lifecycle messages to connected clients. Calls are
// best-effort; implementations must not block on slow clients.
type Notifier interface {
	InvalidationWarning(ctx context.Context, p Pending)
	SessionsInvalidated(ctx context.Context, ev Event)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) InvalidationWarning(context.Context, Pending) {}
func (NopNotifier) SessionsInvalidated(context.Context, Event)   {}

// Recorder receives coordinator metrics.
type Recorder interface {
	SessionsInvalidated(reason string, n int)
	InvalidationScheduled(trigger string)
}

type nopRecorder struct{}

func (nopRecorder) SessionsInvalidated(string, int)  {}
func (nopRecorder) InvalidationScheduled(string)     {}

package realtime

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
)

// Recorder receives connection metrics.
type Recorder interface {
	ClientConnected()
	ClientDisconnected()
}

type nopRecorder struct{}

func (nopRecorder) ClientConnected()    {}
func (nopRecorder) ClientDisconnected() {}

// Hub indexes connected clients by user and session and fans out session
// lifecycle notifications. It implements session.Notifier.
//
// Fanout never blocks: a client whose queue is full misses the message.
type Hub struct {
	log *slog.Logger
	rec Recorder
	now func() time.Time

	mu    sync.RWMutex
	users map[string]map[*Client]struct{}
}

// NewHub constructs a Hub. rec may be nil.
func NewHub(log *slog.Logger, rec Recorder) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Hub{
		log:   log,
		rec:   rec,
		now:   func() time.Time { return time.Now().UTC() },
		users: make(map[string]map[*Client]struct{}),
	}
}

// Register adds c to the index.
func (h *Hub) Register(c *Client) {
	if c == nil || c.UserID == "" {
		return
	}
	h.mu.Lock()
	set, ok := h.users[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.UserID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.rec.ClientConnected()
	h.log.Debug("realtime.client.register", "user_id", c.UserID, "session_id", c.SessionID)
}

// Unregister removes c from the index and signals it to stop.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	set := h.users[c.UserID]
	_, ok := set[c]
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.UserID)
	}
	h.mu.Unlock()

	// Close after removal so fanout never targets a client being torn down.
	c.Close()
	if ok {
		h.rec.ClientDisconnected()
		h.log.Debug("realtime.client.unregister", "user_id", c.UserID, "session_id", c.SessionID)
	}
}

// Connected reports how many streams a user has open.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) clients(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		out = append(out, c)
	}
	return out
}

// InvalidationWarning tells every stream covered by p that it will be
// invalidated at p.ExecuteAt.
func (h *Hub) InvalidationWarning(_ context.Context, p session.Pending) {
	env, err := newEnvelope(TypeInvalidationWarning, InvalidationWarningPayload{
		InvalidationID: p.ID,
		Trigger:        string(p.Trigger),
		Message:        p.Message,
		ExecuteAt:      p.ExecuteAt,
		AllowExtension: p.AllowExtension,
	}, h.now())
	if err != nil {
		h.log.Error("realtime.envelope.fail", "type", TypeInvalidationWarning, "err", err)
		return
	}

	sent := 0
	for _, c := range h.clients(p.UserID) {
		if !p.Targets(c.SessionID) {
			continue
		}
		if c.offer(outbound{env: env}) {
			sent++
		}
	}
	h.log.Info("realtime.invalidation.warned", "user_id", p.UserID, "invalidation_id", p.ID, "delivered", sent)
}

// SessionsInvalidated informs all of the user's streams and closes the ones
// whose session was invalidated once the message is written.
func (h *Hub) SessionsInvalidated(_ context.Context, ev session.Event) {
	now := h.now()
	for _, c := range h.clients(ev.UserID) {
		current := slices.Contains(ev.AffectedSessions, c.SessionID)
		env, err := newEnvelope(TypeSessionsInvalidated, SessionsInvalidatedPayload{
			EventID:    ev.ID,
			Reason:     ev.Reason,
			SessionIDs: ev.AffectedSessions,
			Current:    current,
		}, now)
		if err != nil {
			h.log.Error("realtime.envelope.fail", "type", TypeSessionsInvalidated, "err", err)
			return
		}
		if !c.offer(outbound{env: env, final: current}) && current {
			// Undeliverable; the stream must not outlive its session.
			h.Unregister(c)
		}
	}
}

package session

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests. A single
// mutex makes every multi-row operation atomic.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*Pending
	events   []Event
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		pending:  make(map[string]*Pending),
	}
}

func cloneSession(s *Session) Session {
	out := *s
	out.Permissions = slices.Clone(s.Permissions)
	return out
}

func clonePending(p *Pending) Pending {
	out := *p
	out.SessionIDs = slices.Clone(p.SessionIDs)
	return out
}

func paginate[T any](in []T, page Page) []T {
	if page.Offset >= len(in) {
		return []T{}
	}
	in = in[page.Offset:]
	if page.Limit > 0 && len(in) > page.Limit {
		in = in[:page.Limit]
	}
	return in
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := s
	cp.Permissions = slices.Clone(s.Permissions)
	m.sessions[s.ID] = &cp
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

// ListActive implements Store.
func (m *MemoryStore) ListActive(_ context.Context, userID string, now time.Time, page Page) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0)
	for _, s := range m.sessions {
		if s.UserID == userID && s.Usable(now) {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return paginate(out, page), nil
}

// Touch implements Store.
func (m *MemoryStore) Touch(_ context.Context, sessionID string, now, threshold time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || !s.Active || s.LastActivity.After(threshold) {
		return false, nil
	}
	s.LastActivity = now
	return true, nil
}

// BumpVersion implements Store.
func (m *MemoryStore) BumpVersion(_ context.Context, userID, excludeID string, perms []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bumped []string
	for _, s := range m.sessions {
		if s.UserID != userID || !s.Active {
			continue
		}
		if perms != nil {
			s.Permissions = slices.Clone(perms)
		}
		if s.ID == excludeID {
			continue
		}
		s.Version++
		bumped = append(bumped, s.ID)
	}
	sort.Strings(bumped)
	return bumped, nil
}

// deactivateLocked must be called with m.mu held.
func (m *MemoryStore) deactivateLocked(sel Selector, at time.Time, reason string) []string {
	affected := make([]string, 0)
	for _, s := range m.sessions {
		if !sel.matches(s) {
			continue
		}
		s.Active = false
		ts := at
		r := reason
		s.RevokedAt = &ts
		s.RevokeReason = &r
		affected = append(affected, s.ID)
	}
	sort.Strings(affected)
	return affected
}

// Invalidate implements Store.
func (m *MemoryStore) Invalidate(_ context.Context, sel Selector, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.AffectedSessions = m.deactivateLocked(sel, ev.Timestamp, ev.Reason)
	if len(ev.AffectedSessions) > 0 {
		m.events = append(m.events, ev)
	}
	return ev, nil
}

// ListEvents implements Store.
func (m *MemoryStore) ListEvents(_ context.Context, userID string, page Page) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].UserID == userID {
			e := m.events[i]
			e.AffectedSessions = slices.Clone(e.AffectedSessions)
			out = append(out, e)
		}
	}
	return paginate(out, page), nil
}

// CreatePending implements Store.
func (m *MemoryStore) CreatePending(_ context.Context, p Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := clonePending(&p)
	m.pending[p.ID] = &cp
	return nil
}

// GetPending implements Store.
func (m *MemoryStore) GetPending(_ context.Context, id string) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[id]
	if !ok {
		return Pending{}, ErrInvalidationNotFound
	}
	return clonePending(p), nil
}

// ListPending implements Store.
func (m *MemoryStore) ListPending(_ context.Context, userID string) ([]Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Pending, 0)
	for _, p := range m.pending {
		if p.UserID == userID {
			out = append(out, clonePending(p))
		}
	}
	sortPending(out)
	return out, nil
}

func sortPending(ps []Pending) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].ExecuteAt.Equal(ps[j].ExecuteAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].ExecuteAt.Before(ps[j].ExecuteAt)
	})
}

func (m *MemoryStore) ownedLocked(id, userID string) (*Pending, bool) {
	p, ok := m.pending[id]
	if !ok || (userID != "" && p.UserID != userID) {
		return nil, false
	}
	return p, true
}

// DelayPending implements Store.
func (m *MemoryStore) DelayPending(_ context.Context, id, userID string, d time.Duration) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.ownedLocked(id, userID)
	if !ok {
		return Pending{}, ErrInvalidationNotFound
	}
	if !p.AllowExtension {
		return Pending{}, ErrExtensionNotAllowed
	}
	p.ExecuteAt = p.ExecuteAt.Add(d)
	p.WarnedAt = nil
	return clonePending(p), nil
}

// CancelPending implements Store.
func (m *MemoryStore) CancelPending(_ context.Context, id, userID string) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.ownedLocked(id, userID)
	if !ok {
		return Pending{}, ErrInvalidationNotFound
	}
	delete(m.pending, id)
	return clonePending(p), nil
}

// ExecutePending implements Store.
func (m *MemoryStore) ExecutePending(_ context.Context, id, userID string, ev Event) (Pending, Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.ownedLocked(id, userID)
	if !ok {
		return Pending{}, Event{}, ErrInvalidationNotFound
	}
	delete(m.pending, id)

	ev = pendingEvent(*p, ev)
	ev.AffectedSessions = m.deactivateLocked(Selector{UserID: p.UserID, SessionIDs: p.SessionIDs}, ev.Timestamp, ev.Reason)
	m.events = append(m.events, ev)
	return clonePending(p), ev, nil
}

// DuePending implements Store.
func (m *MemoryStore) DuePending(_ context.Context, now time.Time, limit int) ([]Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Pending, 0)
	for _, p := range m.pending {
		if !p.ExecuteAt.After(now) {
			out = append(out, clonePending(p))
		}
	}
	sortPending(out)
	return paginate(out, Page{Limit: limit}), nil
}

// WarnablePending implements Store.
func (m *MemoryStore) WarnablePending(_ context.Context, now time.Time, limit int) ([]Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Pending, 0)
	for _, p := range m.pending {
		if p.WarnedAt == nil && !p.WarnAt().After(now) && p.ExecuteAt.After(now) {
			out = append(out, clonePending(p))
		}
	}
	sortPending(out)
	return paginate(out, Page{Limit: limit}), nil
}

// MarkWarned implements Store.
func (m *MemoryStore) MarkWarned(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[id]
	if !ok || p.WarnedAt != nil {
		return false, nil
	}
	ts := now
	p.WarnedAt = &ts
	return true, nil
}

// pendingEvent fills the event fields a caller may leave empty from p.
func pendingEvent(p Pending, ev Event) Event {
	ev.UserID = p.UserID
	if ev.Reason == "" {
		ev.Reason = "scheduled:" + string(p.Trigger)
	}
	if ev.TriggeredBy == "" {
		ev.TriggeredBy = p.TriggeredBy
	}
	return ev
}

package device

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]*Device
	byFP    map[string]string
	codes   map[string]*Code
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*Device),
		byFP:    make(map[string]string),
		codes:   make(map[string]*Code),
	}
}

func fpKey(userID, fp string) string { return userID + "\x00" + fp }

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, d Device) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byFP[fpKey(d.UserID, d.Fingerprint)]; ok {
		cur := s.devices[id]
		cur.LastSeen = d.LastSeen
		cur.LastIP = d.LastIP
		cur.Active = true
		return *cur, nil
	}

	cp := d
	s.devices[d.ID] = &cp
	s.byFP[fpKey(d.UserID, d.Fingerprint)] = d.ID
	return cp, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID, deviceID string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok || d.UserID != userID {
		return Device{}, ErrDeviceNotFound
	}
	return *d, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, userID string, page Page) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Device, 0)
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})

	if page.Offset >= len(out) {
		return []Device{}, nil
	}
	out = out[page.Offset:]
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

// SetTrusted implements Store.
func (s *MemoryStore) SetTrusted(_ context.Context, userID, deviceID string, trusted bool) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok || d.UserID != userID {
		return Device{}, ErrDeviceNotFound
	}
	d.Trusted = trusted
	return *d, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok || d.UserID != userID {
		return ErrDeviceNotFound
	}
	delete(s.byFP, fpKey(d.UserID, d.Fingerprint))
	delete(s.devices, deviceID)
	delete(s.codes, deviceID)
	return nil
}

// PutCode implements Store.
func (s *MemoryStore) PutCode(_ context.Context, c Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[c.DeviceID]
	if !ok || d.UserID != c.UserID {
		return ErrDeviceNotFound
	}
	cp := c
	s.codes[c.DeviceID] = &cp
	return nil
}

// ClaimCodeAttempt implements Store.
func (s *MemoryStore) ClaimCodeAttempt(_ context.Context, userID, deviceID string, maxAttempts int) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[deviceID]
	if !ok || c.UserID != userID {
		return Code{}, ErrInvalidCode
	}
	if c.Attempts >= maxAttempts {
		return Code{}, ErrTooManyAttempts
	}
	c.Attempts++
	return *c, nil
}

// DeleteCode implements Store.
func (s *MemoryStore) DeleteCode(_ context.Context, userID, deviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[deviceID]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(s.codes, deviceID)
	return true, nil
}

// PurgeExpiredCodes implements Store.
func (s *MemoryStore) PurgeExpiredCodes(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.codes {
		if !now.Before(c.ExpiresAt) {
			delete(s.codes, id)
			n++
		}
	}
	return n, nil
}

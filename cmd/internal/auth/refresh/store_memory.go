package refresh

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	families map[string]*Family
	tokens   map[string]*Token
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		families: make(map[string]*Family),
		tokens:   make(map[string]*Token),
	}
}

// CreateFamily implements Store.
func (s *MemoryStore) CreateFamily(_ context.Context, fam Family, first Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := fam
	f.SessionVersion = max(f.SessionVersion, 1)
	f.CurrentTokenJTI = first.AccessTokenID
	s.families[fam.ID] = &f

	t := first
	t.FamilyID = fam.ID
	t.UserID = fam.UserID
	t.SessionID = fam.SessionID
	s.tokens[first.Hash] = &t
	return nil
}

// Rotate implements Store.
func (s *MemoryStore) Rotate(_ context.Context, now time.Time, presentedHash string, next Next) (Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[presentedHash]
	if !ok {
		return Rotation{}, ErrUnknownToken
	}
	fam, ok := s.families[tok.FamilyID]
	if !ok {
		return Rotation{}, ErrUnknownToken
	}

	if fam.RevokedAt != nil {
		return Rotation{}, ErrFamilyRevoked
	}
	if tok.UsedAt != nil {
		revokeLocked(fam, now, "replay_detected")
		return Rotation{}, &ReplayError{FamilyID: fam.ID, UserID: fam.UserID, SessionID: fam.SessionID}
	}
	if !now.Before(tok.ExpiresAt) || !now.Before(fam.ExpiresAt) {
		return Rotation{}, ErrRefreshExpired
	}

	used := now
	tok.UsedAt = &used

	nt := &Token{
		Hash:          next.Hash,
		FamilyID:      fam.ID,
		UserID:        fam.UserID,
		SessionID:     fam.SessionID,
		AccessTokenID: next.AccessTokenID,
		CreatedAt:     now,
		ExpiresAt:     nextExpiry(now, next.TTL, fam.ExpiresAt),
	}
	s.tokens[next.Hash] = nt
	fam.CurrentTokenJTI = next.AccessTokenID

	return Rotation{Family: *fam, Token: *nt}, nil
}

// GetFamily implements Store.
func (s *MemoryStore) GetFamily(_ context.Context, familyID string) (Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.families[familyID]
	if !ok {
		return Family{}, ErrFamilyNotFound
	}
	return *f, nil
}

// RevokeFamily implements Store.
func (s *MemoryStore) RevokeFamily(_ context.Context, now time.Time, familyID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.families[familyID]
	if !ok {
		return ErrFamilyNotFound
	}
	revokeLocked(f, now, reason)
	return nil
}

// RevokeSession implements Store.
func (s *MemoryStore) RevokeSession(_ context.Context, now time.Time, sessionID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, f := range s.families {
		if f.SessionID == sessionID && f.RevokedAt == nil {
			revokeLocked(f, now, reason)
			n++
		}
	}
	return n, nil
}

// RevokeUser implements Store.
func (s *MemoryStore) RevokeUser(_ context.Context, now time.Time, userID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, f := range s.families {
		if f.UserID == userID && f.RevokedAt == nil {
			revokeLocked(f, now, reason)
			n++
		}
	}
	return n, nil
}

// PurgeExpired implements Store.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, f := range s.families {
		if now.Before(f.ExpiresAt) {
			continue
		}
		delete(s.families, id)
		n++
	}
	for h, t := range s.tokens {
		if _, ok := s.families[t.FamilyID]; !ok {
			delete(s.tokens, h)
		}
	}
	return n, nil
}

func revokeLocked(f *Family, now time.Time, reason string) {
	if f.RevokedAt != nil {
		return
	}
	at := now
	r := reason
	f.RevokedAt = &at
	f.RevokeReason = &r
}

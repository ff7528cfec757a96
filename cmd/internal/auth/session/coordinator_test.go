package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/credential"

	"github.com/stretchr/testify/require"
)

type fakeFamilies struct {
	mu      sync.Mutex
	revoked []string
}

func (f *fakeFamilies) RevokeSession(_ context.Context, _ time.Time, sessionID, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, sessionID)
	return 1, nil
}

type captureNotifier struct {
	mu       sync.Mutex
	warnings []Pending
	events   []Event
}

func (n *captureNotifier) InvalidationWarning(_ context.Context, p Pending) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, p)
}

func (n *captureNotifier) SessionsInvalidated(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

type harness struct {
	c        *Coordinator
	st       *MemoryStore
	families *fakeFamilies
	notes    *captureNotifier
}

func newHarness(t *testing.T) harness {
	t.Helper()
	h := harness{st: NewMemoryStore(), families: &fakeFamilies{}, notes: &captureNotifier{}}
	c, err := NewCoordinator(DefaultConfig(), h.st, h.families, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithNotifier(h.notes),
		WithClock(func() time.Time { return t0 }),
	)
	require.NoError(t, err)
	h.c = c
	return h
}

func (h harness) login(t *testing.T, sessionID, userID, deviceID string) Session {
	t.Helper()
	s, err := h.c.Create(context.Background(), NewSession{
		ID:          sessionID,
		UserID:      userID,
		DeviceID:    deviceID,
		FamilyID:    "fam_" + sessionID,
		Permissions: []string{"signals:read"},
	}, t0)
	require.NoError(t, err)
	return s
}

func claimsFor(s Session) credential.Claims {
	return credential.Claims{UserID: s.UserID, SessionID: s.ID, SessionVersion: s.Version}
}

func TestNewCoordinator_RequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := NewCoordinator(DefaultConfig(), nil, &fakeFamilies{}, nil)
	require.ErrorIs(t, err, ErrConfig)

	cfg := DefaultConfig()
	cfg.SessionTTL = 0
	_, err = NewCoordinator(cfg, NewMemoryStore(), &fakeFamilies{}, nil)
	require.ErrorIs(t, err, ErrConfig)
}

func TestCheck_VersionBumpRejectsOtherSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	s1 := h.login(t, "ses_1", "u1", "dev_1")
	s2 := h.login(t, "ses_2", "u1", "dev_2")

	_, err := h.c.Check(ctx, claimsFor(s1), t0)
	require.NoError(t, err)

	bumped, err := h.c.BumpVersion(ctx, "u1", s1.ID, []string{"signals:read", "admin"}, "admin:root")
	require.NoError(t, err)
	require.Equal(t, []string{"ses_2"}, bumped)

	_, err = h.c.Check(ctx, claimsFor(s2), t0.Add(time.Minute))
	require.ErrorIs(t, err, ErrStaleSessionVersion)

	// The triggering session is untouched.
	_, err = h.c.Check(ctx, claimsFor(s1), t0.Add(time.Minute))
	require.NoError(t, err)

	fresh, err := h.c.Get(ctx, "u1", s2.ID)
	require.NoError(t, err)
	_, err = h.c.Check(ctx, claimsFor(fresh), t0.Add(time.Minute))
	require.NoError(t, err)
}

func TestCheck_Rejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "ses_1", "u1", "")

	c := claimsFor(s)
	c.UserID = "u2"
	_, err := h.c.Check(ctx, c, t0)
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.c.Check(ctx, claimsFor(s), s.ExpiresAt)
	require.ErrorIs(t, err, ErrSessionInactive)
	require.True(t, IsRejection(err))

	require.NoError(t, h.c.Revoke(ctx, "u1", s.ID, "logout", "user:u1", t0))
	_, err = h.c.Check(ctx, claimsFor(s), t0)
	require.ErrorIs(t, err, ErrSessionInactive)

	_, err = h.c.Check(ctx, credential.Claims{UserID: "u1", SessionID: "ses_missing", SessionVersion: 1}, t0)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateActivity_Throttled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "ses_1", "u1", "")

	require.NoError(t, h.c.UpdateActivity(ctx, s.ID, t0.Add(10*time.Second)))
	got, err := h.c.Get(ctx, "u1", s.ID)
	require.NoError(t, err)
	require.True(t, got.LastActivity.Equal(t0))

	require.NoError(t, h.c.UpdateActivity(ctx, s.ID, t0.Add(2*time.Minute)))
	got, err = h.c.Get(ctx, "u1", s.ID)
	require.NoError(t, err)
	require.True(t, got.LastActivity.Equal(t0.Add(2*time.Minute)))
	require.Equal(t, int64(1), got.Version)
}

func TestRevoke_OtherUsersSessionNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.login(t, "ses_1", "u1", "")

	err := h.c.Revoke(context.Background(), "u2", s.ID, "logout", "user:u2", t0)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Empty(t, h.families.revoked)
}

func TestInvalidateAll_ExcludeCurrent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	cur := h.login(t, "ses_1", "u1", "dev_1")
	h.login(t, "ses_2", "u1", "dev_2")
	h.login(t, "ses_3", "u1", "dev_3")
	h.login(t, "ses_x", "u2", "dev_9")

	ev, err := h.c.InvalidateAll(ctx, "u1", true, cur.ID, "user:u1", t0)
	require.NoError(t, err)
	require.Equal(t, []string{"ses_2", "ses_3"}, ev.AffectedSessions)
	require.Equal(t, "invalidate_all", ev.Reason)
	require.ElementsMatch(t, []string{"ses_2", "ses_3"}, h.families.revoked)

	active, err := h.c.ListActive(ctx, "u1", Page{}, t0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, cur.ID, active[0].ID)

	history, err := h.c.History(ctx, "u1", Page{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, h.notes.events, 1)

	ev, err = h.c.InvalidateAll(ctx, "u1", false, cur.ID, "user:u1", t0)
	require.NoError(t, err)
	require.Equal(t, []string{"ses_1"}, ev.AffectedSessions)
}

func TestRevokeDeviceSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.login(t, "ses_1", "u1", "dev_1")
	h.login(t, "ses_2", "u1", "dev_1")
	h.login(t, "ses_3", "u1", "dev_2")

	affected, err := h.c.RevokeDeviceSessions(ctx, "u1", "dev_1", "user:device_removed")
	require.NoError(t, err)
	require.Equal(t, []string{"ses_1", "ses_2"}, affected)

	active, err := h.c.ListActive(ctx, "u1", Page{}, t0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "ses_3", active[0].ID)
}

func TestSchedule_CancelBeforeExecuteKeepsSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "ses_1", "u1", "")

	p, err := h.c.ScheduleInvalidation(ctx, ScheduleRequest{
		UserID:     "u1",
		SessionIDs: []string{s.ID},
		Trigger:    TriggerPasswordChange,
		Delay:      10 * time.Minute,
	}, t0)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().DefaultWarningMinutes, p.WarningMinutes)

	_, err = h.c.CancelInvalidation(ctx, "u1", p.ID)
	require.NoError(t, err)

	_, executed, err := h.c.RunDue(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, executed)

	_, err = h.c.Check(ctx, claimsFor(s), t0.Add(time.Hour))
	require.NoError(t, err)

	_, err = h.c.ExecuteNow(ctx, "u1", p.ID, "user:u1", t0.Add(time.Hour))
	require.ErrorIs(t, err, ErrInvalidationNotFound)
}

func TestSchedule_ExecutesWhenDue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	s1 := h.login(t, "ses_1", "u1", "")
	s2 := h.login(t, "ses_2", "u1", "")

	warn := 5
	p, err := h.c.ScheduleInvalidation(ctx, ScheduleRequest{
		UserID:         "u1",
		SessionIDs:     []string{s1.ID},
		Trigger:        TriggerSecurity,
		Message:        "suspicious activity",
		TriggeredBy:    "admin:root",
		Delay:          10 * time.Minute,
		WarningMinutes: &warn,
	}, t0)
	require.NoError(t, err)

	warned, executed, err := h.c.RunDue(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, warned)
	require.Zero(t, executed)

	warned, executed, err = h.c.RunDue(ctx, t0.Add(6*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, warned)
	require.Zero(t, executed)
	require.Len(t, h.notes.warnings, 1)
	require.Equal(t, p.ID, h.notes.warnings[0].ID)

	// Warnings fire once.
	warned, _, err = h.c.RunDue(ctx, t0.Add(7*time.Minute))
	require.NoError(t, err)
	require.Zero(t, warned)

	_, executed, err = h.c.RunDue(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, executed)

	_, err = h.c.Check(ctx, claimsFor(s1), t0.Add(11*time.Minute))
	require.ErrorIs(t, err, ErrSessionInactive)
	_, err = h.c.Check(ctx, claimsFor(s2), t0.Add(11*time.Minute))
	require.NoError(t, err)

	history, err := h.c.History(ctx, "u1", Page{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "scheduled:security", history[0].Reason)
	require.Equal(t, "admin:root", history[0].TriggeredBy)
	require.Equal(t, []string{"ses_1"}, history[0].AffectedSessions)
	require.Equal(t, []string{"ses_1"}, h.families.revoked)

	pending, err := h.c.ListPending(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDelayInvalidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	locked, err := h.c.ScheduleInvalidation(ctx, ScheduleRequest{UserID: "u1", Trigger: TriggerAdmin, Delay: time.Hour}, t0)
	require.NoError(t, err)
	_, err = h.c.DelayInvalidation(ctx, "u1", locked.ID, 10*time.Minute)
	require.ErrorIs(t, err, ErrExtensionNotAllowed)

	open, err := h.c.ScheduleInvalidation(ctx, ScheduleRequest{UserID: "u1", Trigger: TriggerUser, Delay: time.Hour, AllowExtension: true}, t0)
	require.NoError(t, err)
	got, err := h.c.DelayInvalidation(ctx, "u1", open.ID, 30*time.Minute)
	require.NoError(t, err)
	require.True(t, got.ExecuteAt.Equal(t0.Add(90*time.Minute)))

	_, err = h.c.DelayInvalidation(ctx, "u1", open.ID, 0)
	require.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = h.c.DelayInvalidation(ctx, "u1", open.ID, 48*time.Hour)
	require.ErrorIs(t, err, ErrInvalidSchedule)

	pending, err := h.c.ListPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, locked.ID, pending[0].ID)
}

func TestScheduleInvalidation_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	cases := []ScheduleRequest{
		{UserID: "", Trigger: TriggerUser},
		{UserID: "u1", Trigger: "nope"},
		{UserID: "u1", Trigger: TriggerUser, Delay: -time.Second},
		{UserID: "u1", Trigger: TriggerUser, Delay: 8 * 24 * time.Hour},
	}
	for _, req := range cases {
		_, err := h.c.ScheduleInvalidation(ctx, req, t0)
		require.ErrorIs(t, err, ErrInvalidSchedule, "%+v", req)
	}
}

func TestScheduler_TickUsesClock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "ses_1", "u1", "")

	_, err := h.c.ScheduleInvalidation(ctx, ScheduleRequest{UserID: "u1", Trigger: TriggerRoleChange}, t0)
	require.NoError(t, err)

	NewScheduler(h.c, nil).Tick(ctx)

	_, err = h.c.Check(ctx, claimsFor(s), t0)
	require.ErrorIs(t, err, ErrSessionInactive)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewScheduler(h.c, nil).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/alert"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/credential"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/refresh"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
)

func TestLogin_IssuesPairBoundToNewSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	l := e.login(t, "u1", "signals:read")
	require.NotEmpty(t, l.SessionID)
	require.NotEmpty(t, l.Device.ID)
	require.NotEmpty(t, l.Pair.AccessToken)
	require.NotEmpty(t, l.Pair.RefreshToken)
	require.Equal(t, t0.Add(credential.DefaultConfig().AccessTokenTTL), l.Pair.AccessExpiry.UTC())

	p, err := e.svc.ValidateRequest(ctx, l.Pair.AccessToken, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "u1", p.UserID)
	require.Equal(t, l.SessionID, p.SessionID)
	require.Equal(t, l.Device.ID, p.DeviceID)
	require.Equal(t, int64(1), p.SessionVersion)
	require.Equal(t, []string{"signals:read"}, p.Permissions)
	require.False(t, p.IsAdmin())

	require.Equal(t, 1, e.rec.logins)
}

func TestLogin_SameDeviceIsRecognized(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	a := e.login(t, "u1")
	e.clock.Advance(time.Hour)
	b := e.login(t, "u1")

	require.Equal(t, a.Device.ID, b.Device.ID)
	require.NotEqual(t, a.SessionID, b.SessionID)
}

func TestLogin_RejectsBlankUser(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, err := e.svc.OnExternalLoginSuccess(context.Background(), "  ", nil, desktop("203.0.113.10"), t0)
	require.ErrorIs(t, err, credential.ErrMalformedCredential)
}

func TestLogin_RefreshExpiryCappedByFamilyLifetime(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(c *Config) { c.FamilyMaxLifetime = 48 * time.Hour })

	l := e.login(t, "u1")
	require.Equal(t, t0.Add(48*time.Hour), l.Pair.RefreshExpiry.UTC())
}

func TestRefresh_RotatesAndKeepsSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	l := e.login(t, "u1")
	e.clock.Advance(10 * time.Minute)

	pair, err := e.svc.RefreshCredentials(ctx, l.Pair.RefreshToken, desktop("203.0.113.10"), e.clock.Now())
	require.NoError(t, err)
	require.NotEqual(t, l.Pair.RefreshToken, pair.RefreshToken)
	require.NotEqual(t, l.Pair.AccessToken, pair.AccessToken)

	p, err := e.svc.ValidateRequest(ctx, pair.AccessToken, e.clock.Now())
	require.NoError(t, err)
	require.Equal(t, l.SessionID, p.SessionID)
	require.Equal(t, 1, e.rec.rotations)
}

func TestRefresh_UnknownAndEmptyTokens(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.RefreshCredentials(ctx, "", desktop("203.0.113.10"), t0)
	require.ErrorIs(t, err, refresh.ErrUnknownToken)

	_, err = e.svc.RefreshCredentials(ctx, "not-a-real-token", desktop("203.0.113.10"), t0)
	require.ErrorIs(t, err, refresh.ErrUnknownToken)
	require.Empty(t, e.alerts.Events())
}

// Login, two rotations, then the first token shows up again.
func TestRefresh_ReplayRevokesFamilyAndSession(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	rc := desktop("203.0.113.10")

	l := e.login(t, "u1")
	r1 := l.Pair.RefreshToken

	e.clock.Advance(time.Minute)
	p2, err := e.svc.RefreshCredentials(ctx, r1, rc, e.clock.Now())
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	p3, err := e.svc.RefreshCredentials(ctx, p2.RefreshToken, rc, e.clock.Now())
	require.NoError(t, err)

	e.clock.Advance(time.Minute)
	_, err = e.svc.RefreshCredentials(ctx, r1, desktop("198.51.100.66"), e.clock.Now())
	require.ErrorIs(t, err, refresh.ErrReplayDetected)
	var replay *refresh.ReplayError
	require.ErrorAs(t, err, &replay)
	require.Equal(t, l.SessionID, replay.SessionID)

	fam, err := e.families.GetFamily(ctx, replay.FamilyID)
	require.NoError(t, err)
	require.NotNil(t, fam.RevokedAt)

	sess, err := e.sessions.Get(ctx, "u1", l.SessionID)
	require.NoError(t, err)
	require.False(t, sess.Active)

	events := e.alerts.Events()
	require.Len(t, events, 1)
	require.Equal(t, alert.TypeRefreshReplay, events[0].Type)
	require.Equal(t, alert.SeverityHigh, events[0].Severity)
	require.Equal(t, "198.51.100.66", events[0].IP)
	require.Equal(t, "session", events[0].Attrs["scope"])

	// The legitimate holder's newest token is dead too.
	_, err = e.svc.RefreshCredentials(ctx, p3.RefreshToken, rc, e.clock.Now())
	require.ErrorIs(t, err, refresh.ErrFamilyRevoked)

	// Its access token no longer passes the session check.
	_, err = e.svc.ValidateRequest(ctx, p3.AccessToken, e.clock.Now())
	require.ErrorIs(t, err, session.ErrSessionInactive)
	require.Equal(t, 1, e.rec.replays)
}

func TestRefresh_ReplayCanRevokeEverySession(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(c *Config) { c.ReplayRevokesAllSessions = true })
	ctx := context.Background()
	rc := desktop("203.0.113.10")

	victim := e.login(t, "u1")
	other := e.login(t, "u1")

	_, err := e.svc.RefreshCredentials(ctx, victim.Pair.RefreshToken, rc, t0)
	require.NoError(t, err)
	_, err = e.svc.RefreshCredentials(ctx, victim.Pair.RefreshToken, rc, t0)
	require.ErrorIs(t, err, refresh.ErrReplayDetected)

	active, err := e.sessions.ListActive(ctx, "u1", session.Page{}, t0)
	require.NoError(t, err)
	require.Empty(t, active)

	_, err = e.svc.RefreshCredentials(ctx, other.Pair.RefreshToken, rc, t0)
	require.ErrorIs(t, err, refresh.ErrFamilyRevoked)
	require.Equal(t, "user", e.alerts.Events()[0].Attrs["scope"])
}

func TestRefresh_RevokedSessionCannotRotate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	l := e.login(t, "u1")
	require.NoError(t, e.sessions.Revoke(ctx, "u1", l.SessionID, "user_revoked", "user:u1", t0))

	_, err := e.svc.RefreshCredentials(ctx, l.Pair.RefreshToken, desktop("203.0.113.10"), t0)
	require.ErrorIs(t, err, refresh.ErrFamilyRevoked)
	require.Empty(t, e.alerts.Events())
}

func TestValidate_VersionBumpInvalidatesOutstandingAccess(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	l := e.login(t, "u1", "signals:read")

	bumped, err := e.sessions.BumpVersion(ctx, "u1", "", []string{"signals:read", "signals:write"}, "admin:root")
	require.NoError(t, err)
	require.Equal(t, []string{l.SessionID}, bumped)

	_, err = e.svc.ValidateRequest(ctx, l.Pair.AccessToken, t0)
	require.ErrorIs(t, err, session.ErrStaleSessionVersion)
	require.Equal(t, 1, e.rec.rejections["stale_version"])
}

func TestRefresh_VersionBumpForcesSignInOnOtherSessions(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	rc := desktop("203.0.113.10")

	kept := e.login(t, "u1", "signals:read")
	other := e.login(t, "u1", "signals:read")

	bumped, err := e.sessions.BumpVersion(ctx, "u1", kept.SessionID, []string{"signals:read", "signals:write"}, "user:u1")
	require.NoError(t, err)
	require.Equal(t, []string{other.SessionID}, bumped)

	// A refresh token minted before the bump no longer yields credentials.
	_, err = e.svc.RefreshCredentials(ctx, other.Pair.RefreshToken, rc, t0)
	require.ErrorIs(t, err, session.ErrStaleSessionVersion)

	sess, err := e.sessions.Get(ctx, "u1", other.SessionID)
	require.NoError(t, err)
	require.False(t, sess.Active)

	fam, err := e.families.GetFamily(ctx, sess.FamilyID)
	require.NoError(t, err)
	require.NotNil(t, fam.RevokedAt)
	require.Equal(t, "stale_session_version", *fam.RevokeReason)

	// The session that triggered the bump keeps refreshing, with the new permissions.
	pair, err := e.svc.RefreshCredentials(ctx, kept.Pair.RefreshToken, rc, t0)
	require.NoError(t, err)
	p, err := e.svc.ValidateRequest(ctx, pair.AccessToken, t0)
	require.NoError(t, err)
	require.Equal(t, int64(1), p.SessionVersion)
	require.Equal(t, []string{"signals:read", "signals:write"}, p.Permissions)
}

func TestValidate_RejectsTamperedAndExpiredCredentials(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	l := e.login(t, "u1")

	_, err := e.svc.ValidateRequest(ctx, l.Pair.AccessToken+"x", t0)
	require.Error(t, err)

	_, err = e.svc.ValidateRequest(ctx, l.Pair.AccessToken, t0.Add(time.Hour))
	require.ErrorIs(t, err, credential.ErrExpiredCredential)
	require.Equal(t, 1, e.rec.rejections["expired"])
}

func TestRateIdentity(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	admin := e.login(t, "root", credential.PermissionAdmin)
	uid, isAdmin := e.svc.RateIdentity(admin.Pair.AccessToken, t0)
	require.Equal(t, "root", uid)
	require.True(t, isAdmin)

	uid, isAdmin = e.svc.RateIdentity("garbage", t0)
	require.Empty(t, uid)
	require.False(t, isAdmin)

	uid, _ = e.svc.RateIdentity("", t0)
	require.Empty(t, uid)
}

func TestRateIdentity_LapsedAdminLosesCeiling(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	ttl := credential.DefaultConfig().AccessTokenTTL

	admin := e.login(t, "root", credential.PermissionAdmin)
	_, err := e.sessions.BumpVersion(ctx, "root", "", []string{}, "admin:other")
	require.NoError(t, err)
	require.NoError(t, e.sessions.Revoke(ctx, "root", admin.SessionID, "logout", "user:root", t0))

	// Just lapsed: still charged to the user, but not as an admin.
	uid, isAdmin := e.svc.RateIdentity(admin.Pair.AccessToken, t0.Add(ttl+time.Minute))
	require.Equal(t, "root", uid)
	require.False(t, isAdmin)

	// Long dead: anonymous, so it cannot drain the user's budget.
	uid, isAdmin = e.svc.RateIdentity(admin.Pair.AccessToken, t0.Add(365*24*time.Hour))
	require.Empty(t, uid)
	require.False(t, isAdmin)
}

func TestLogout_RevokesOwnSessionOnly(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	a := e.login(t, "u1")
	b := e.login(t, "u1")

	p, err := e.svc.ValidateRequest(ctx, a.Pair.AccessToken, t0)
	require.NoError(t, err)
	require.NoError(t, e.svc.Logout(ctx, p, t0))

	_, err = e.svc.ValidateRequest(ctx, a.Pair.AccessToken, t0)
	require.ErrorIs(t, err, session.ErrSessionInactive)
	_, err = e.svc.ValidateRequest(ctx, b.Pair.AccessToken, t0)
	require.NoError(t, err)
}

func TestAuthenticateStream(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	l := e.login(t, "u1")
	id, err := e.svc.AuthenticateStream(context.Background(), l.Pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "u1", id.UserID)
	require.Equal(t, l.SessionID, id.SessionID)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.InternalKey = "short"
	require.ErrorIs(t, c.Validate(), ErrConfig)

	c = DefaultConfig()
	c.FamilyMaxLifetime = 0
	require.ErrorIs(t, c.Validate(), ErrConfig)
}

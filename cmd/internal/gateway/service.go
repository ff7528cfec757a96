// Package gateway is the request-facing edge of signalhub: it completes
// logins from the identity provider, validates access credentials on every
// request, rotates refresh tokens and serves the account and admin HTTP API.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/alert"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/credential"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/device"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/refresh"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/realtime"
)

// Recorder receives gateway metrics.
type Recorder interface {
	LoginCompleted()
	RefreshRotated()
	ReplayDetected()
	CredentialRejected(reason string)
}

type nopRecorder struct{}

func (nopRecorder) LoginCompleted()           {}
func (nopRecorder) RefreshRotated()           {}
func (nopRecorder) ReplayDetected()           {}
func (nopRecorder) CredentialRejected(string) {}

// Deps are the components the Service orchestrates.
type Deps struct {
	Issuer   *credential.Issuer
	Families refresh.Store
	Sessions *session.Coordinator
	Devices  *device.Registry
	Alerts   alert.Sink
}

// Service implements the inbound operations: login completion, request
// validation, refresh rotation and logout.
type Service struct {
	cfg      Config
	issuer   *credential.Issuer
	families refresh.Store
	sessions *session.Coordinator
	devices  *device.Registry
	alerts   alert.Sink
	rec      Recorder
	log      *slog.Logger
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithClock overrides the clock used where no explicit time is passed.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service. Alerts may be nil.
func NewService(cfg Config, deps Deps, log *slog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Issuer == nil || deps.Families == nil || deps.Sessions == nil || deps.Devices == nil {
		return nil, ErrConfig
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		issuer:   deps.Issuer,
		families: deps.Families,
		sessions: deps.Sessions,
		devices:  deps.Devices,
		alerts:   deps.Alerts,
		rec:      nopRecorder{},
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login is the result of a completed external login.
type Login struct {
	Pair      credential.Pair `json:"credentials"`
	SessionID string          `json:"session_id"`
	Device    device.Device   `json:"device"`
}

// OnExternalLoginSuccess opens a session for a user the identity provider
// has just authenticated: the device is registered (or recognized), a
// session and a refresh family are created and the first pair is issued.
func (s *Service) OnExternalLoginSuccess(ctx context.Context, userID string, permissions []string, rc device.RequestContext, now time.Time) (Login, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Login{}, credential.ErrMalformedCredential
	}

	dev, err := s.devices.Register(ctx, userID, rc, now)
	if err != nil {
		return Login{}, err
	}

	sessionID, err := credential.GenerateSessionID()
	if err != nil {
		return Login{}, err
	}
	familyID, err := credential.GenerateFamilyID()
	if err != nil {
		return Login{}, err
	}

	pair, minted, err := s.issuer.Issue(userID, sessionID, permissions, 1, now)
	if err != nil {
		return Login{}, err
	}

	sess, err := s.sessions.Create(ctx, session.NewSession{
		ID:          sessionID,
		UserID:      userID,
		DeviceID:    dev.ID,
		FamilyID:    familyID,
		IPAddress:   rc.IPString(),
		UserAgent:   rc.UserAgent,
		Location:    rc.Location,
		Permissions: permissions,
	}, now)
	if err != nil {
		return Login{}, err
	}

	famExpiry := now.Add(s.cfg.FamilyMaxLifetime)
	if sess.ExpiresAt.Before(famExpiry) {
		famExpiry = sess.ExpiresAt
	}
	if pair.RefreshExpiry.After(famExpiry) {
		pair.RefreshExpiry = famExpiry
	}

	err = s.families.CreateFamily(ctx, refresh.Family{
		ID:             familyID,
		UserID:         userID,
		SessionID:      sessionID,
		SessionVersion: sess.Version,
		CreatedAt:      now,
		ExpiresAt:      famExpiry,
	}, refresh.Token{
		Hash:          minted.RefreshHash,
		FamilyID:      familyID,
		UserID:        userID,
		SessionID:     sessionID,
		AccessTokenID: minted.AccessTokenID,
		CreatedAt:     now,
		ExpiresAt:     pair.RefreshExpiry,
	})
	if err != nil {
		// The session must not outlive a failed login.
		cctx := context.WithoutCancel(ctx)
		if rerr := s.sessions.Revoke(cctx, userID, sessionID, "login_failed", "system:login", now); rerr != nil {
			s.log.Error("auth.login.compensate.fail", "user_id", userID, "session_id", sessionID, "err", rerr)
		}
		return Login{}, err
	}

	s.rec.LoginCompleted()
	s.log.Info("auth.login.completed",
		"user_id", userID,
		"session_id", sessionID,
		"device_id", dev.ID,
		"trusted_device", dev.Trusted,
		"ip", rc.IPString(),
	)
	return Login{Pair: pair, SessionID: sessionID, Device: dev}, nil
}

// ValidateRequest authenticates an access credential: signature and expiry,
// then the live session state and version. A valid request counts as a
// session heartbeat.
func (s *Service) ValidateRequest(ctx context.Context, accessToken string, now time.Time) (Principal, error) {
	claims, err := s.issuer.Verify(accessToken, now)
	if err != nil {
		s.rec.CredentialRejected(rejectionReason(err))
		return Principal{}, err
	}

	sess, err := s.sessions.Check(ctx, claims, now)
	if err != nil {
		if session.IsRejection(err) {
			s.rec.CredentialRejected(rejectionReason(err))
		}
		return Principal{}, err
	}

	if err := s.sessions.UpdateActivity(ctx, sess.ID, now); err != nil {
		s.log.Warn("session.heartbeat.fail", "session_id", sess.ID, "err", err)
	}

	return Principal{
		UserID:         claims.UserID,
		SessionID:      sess.ID,
		DeviceID:       sess.DeviceID,
		TokenID:        claims.TokenID,
		Permissions:    sess.Permissions,
		SessionVersion: sess.Version,
		ExpiresAt:      claims.ExpiresAt,
	}, nil
}

// AuthenticateStream validates the bearer credential of a websocket upgrade.
func (s *Service) AuthenticateStream(ctx context.Context, token string) (realtime.Identity, error) {
	p, err := s.ValidateRequest(ctx, token, s.now())
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{UserID: p.UserID, SessionID: p.SessionID}, nil
}

// RateIdentity resolves who a request should be charged to without touching
// any store. Credentials that lapsed less than one access TTL ago are still
// charged to their user; older or invalid ones are anonymous traffic. The
// admin ceiling is only granted while the credential is unexpired.
func (s *Service) RateIdentity(accessToken string, now time.Time) (userID string, admin bool) {
	if accessToken == "" {
		return "", false
	}
	claims, err := s.issuer.VerifyRecent(accessToken, now, s.issuer.Config().AccessTokenTTL)
	if err != nil {
		return "", false
	}
	return claims.UserID, claims.IsAdmin() && now.Before(claims.ExpiresAt)
}

// RefreshCredentials rotates a refresh token into a new pair. Presenting an
// already used token is a replay: the family is revoked by the store, the
// bound session (or every session of the user) is invalidated and a
// high-severity alert is raised.
func (s *Service) RefreshCredentials(ctx context.Context, refreshToken string, rc device.RequestContext, now time.Time) (credential.Pair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return credential.Pair{}, refresh.ErrUnknownToken
	}

	next, err := s.issuer.NewRefreshToken()
	if err != nil {
		return credential.Pair{}, err
	}
	jti := credential.NewTokenID()

	rot, err := s.families.Rotate(ctx, now, s.issuer.HashRefresh(refreshToken), refresh.Next{
		Hash:          next.Hash,
		AccessTokenID: jti,
		TTL:           s.issuer.Config().RefreshTokenTTL,
	})
	if err != nil {
		var replay *refresh.ReplayError
		if errors.As(err, &replay) {
			s.onReplay(ctx, replay, rc, now)
		}
		return credential.Pair{}, err
	}

	sess, err := s.sessions.Get(ctx, rot.Family.UserID, rot.Family.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		err = session.ErrSessionInactive
	}
	if err == nil && !sess.Usable(now) {
		err = session.ErrSessionInactive
	}
	if err != nil {
		if errors.Is(err, session.ErrSessionInactive) {
			// Lineage of a dead session; close it so it cannot be retried.
			if rerr := s.families.RevokeFamily(context.WithoutCancel(ctx), now, rot.Family.ID, "session_inactive"); rerr != nil {
				s.log.Error("auth.refresh.family_revoke.fail", "family_id", rot.Family.ID, "err", rerr)
			}
		}
		return credential.Pair{}, err
	}

	// A version bump means the credentials behind this family are no longer
	// trusted: the holder must sign in again.
	if rot.Family.SessionVersion < sess.Version {
		s.onStaleFamily(ctx, rot.Family, sess, now)
		return credential.Pair{}, session.ErrStaleSessionVersion
	}

	access, accessExp, err := s.issuer.SignAccess(sess.UserID, sess.ID, jti, sess.Permissions, sess.Version, now)
	if err != nil {
		return credential.Pair{}, err
	}

	if err := s.sessions.UpdateActivity(ctx, sess.ID, now); err != nil {
		s.log.Warn("session.heartbeat.fail", "session_id", sess.ID, "err", err)
	}

	s.rec.RefreshRotated()
	s.log.Info("auth.refresh.rotated", "user_id", sess.UserID, "session_id", sess.ID, "family_id", rot.Family.ID)

	return credential.Pair{
		AccessToken:   access,
		RefreshToken:  next.Plain,
		AccessExpiry:  accessExp,
		RefreshExpiry: rot.Token.ExpiresAt,
	}, nil
}

func (s *Service) onStaleFamily(ctx context.Context, fam refresh.Family, sess session.Session, now time.Time) {
	ctx = context.WithoutCancel(ctx)

	s.rec.CredentialRejected("stale_version")
	s.log.Warn("auth.refresh.stale_version",
		"user_id", sess.UserID,
		"session_id", sess.ID,
		"family_id", fam.ID,
		"family_version", fam.SessionVersion,
		"session_version", sess.Version,
	)
	if err := s.families.RevokeFamily(ctx, now, fam.ID, "stale_session_version"); err != nil {
		s.log.Error("auth.refresh.family_revoke.fail", "family_id", fam.ID, "err", err)
	}
	if err := s.sessions.Revoke(ctx, sess.UserID, sess.ID, "stale_session_version", "system:refresh", now); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		s.log.Error("auth.refresh.stale_version.revoke.fail", "session_id", sess.ID, "err", err)
	}
}

func (s *Service) onReplay(ctx context.Context, replay *refresh.ReplayError, rc device.RequestContext, now time.Time) {
	// Containment must finish even if the caller hangs up.
	ctx = context.WithoutCancel(ctx)

	s.rec.ReplayDetected()
	s.log.Warn("auth.refresh.replay",
		"user_id", replay.UserID,
		"session_id", replay.SessionID,
		"family_id", replay.FamilyID,
		"ip", rc.IPString(),
		"revoke_all", s.cfg.ReplayRevokesAllSessions,
	)

	scope := "session"
	if s.cfg.ReplayRevokesAllSessions {
		scope = "user"
	}
	s.alerts.Emit(ctx, alert.Event{
		Type:      alert.TypeRefreshReplay,
		Severity:  alert.SeverityHigh,
		UserID:    replay.UserID,
		SessionID: replay.SessionID,
		IP:        rc.IPString(),
		Message:   "refresh token reuse detected; token family revoked",
		Attrs: map[string]string{
			"family_id":  replay.FamilyID,
			"user_agent": rc.UserAgent,
			"scope":      scope,
		},
		Time: now,
	})

	const triggeredBy = "system:replay_detection"
	var err error
	if s.cfg.ReplayRevokesAllSessions {
		_, err = s.sessions.InvalidateAll(ctx, replay.UserID, false, "", triggeredBy, now)
	} else {
		err = s.sessions.Revoke(ctx, replay.UserID, replay.SessionID, "refresh_replay", triggeredBy, now)
	}
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		s.log.Error("auth.refresh.replay.invalidate.fail", "user_id", replay.UserID, "session_id", replay.SessionID, "err", err)
	}
}

// Logout invalidates the caller's own session.
func (s *Service) Logout(ctx context.Context, p Principal, now time.Time) error {
	return s.sessions.Revoke(ctx, p.UserID, p.SessionID, "logout", "user:"+p.UserID, now)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, credential.ErrExpiredCredential):
		return "expired"
	case errors.Is(err, credential.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, credential.ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, session.ErrStaleSessionVersion):
		return "stale_version"
	case errors.Is(err, session.ErrSessionInactive), errors.Is(err, session.ErrSessionNotFound):
		return "session_inactive"
	default:
		return "other"
	}
}

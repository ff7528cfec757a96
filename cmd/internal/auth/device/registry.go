package device

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/ids"
	"github.com/dagz55/d-gateway-sub002/cmd/security/token"
)

// SessionRevoker invalidates every session bound to a device. The session
// coordinator implements it.
type SessionRevoker interface {
	RevokeDeviceSessions(ctx context.Context, userID, deviceID, triggeredBy string) ([]string, error)
}

// CodeSender delivers device verification codes out of band.
type CodeSender interface {
	SendDeviceCode(ctx context.Context, d Device, code string, expiresAt time.Time) error
}

// NoopCodeSender is the default sender; delivery is wired per deployment.
type NoopCodeSender struct{}

// SendDeviceCode implements CodeSender.
func (NoopCodeSender) SendDeviceCode(context.Context, Device, string, time.Time) error { return nil }

// Registry is the device registry service.
type Registry struct {
	cfg     Config
	store   Store
	fp      *Fingerprinter
	codes   *token.Hasher
	sender  CodeSender
	revoker SessionRevoker
	log     *slog.Logger
}

// NewRegistry wires a Registry. sender may be nil (no-op); revoker is
// required for cascading removal.
func NewRegistry(cfg Config, store Store, fp *Fingerprinter, codeHasher *token.Hasher, sender CodeSender, revoker SessionRevoker, log *slog.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || fp == nil || codeHasher == nil || revoker == nil {
		return nil, ErrConfig
	}
	if sender == nil {
		sender = NoopCodeSender{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{cfg: cfg, store: store, fp: fp, codes: codeHasher, sender: sender, revoker: revoker, log: log}, nil
}

// Register returns the device matching rc's fingerprint for userID, creating
// it on first sight. The same fingerprint always yields the same device id.
func (r *Registry) Register(ctx context.Context, userID string, rc RequestContext, now time.Time) (Device, error) {
	id, err := ids.NewPrefixedULID("dev", now)
	if err != nil {
		return Device{}, err
	}

	ua := parseUserAgent(rc.UserAgent)
	d := Device{
		ID:              id,
		UserID:          userID,
		Fingerprint:     r.fp.Fingerprint(rc),
		Name:            ua.Name(),
		Type:            ua.Type,
		OperatingSystem: ua.OS,
		Browser:         ua.Browser,
		Active:          true,
		FirstSeen:       now,
		LastSeen:        now,
		LastIP:          rc.IPString(),
	}

	out, err := r.store.Upsert(ctx, d)
	if err != nil {
		return Device{}, err
	}
	if out.ID == id {
		r.log.Info("device.registered", "user_id", userID, "device_id", out.ID, "device_type", out.Type)
	}
	return out, nil
}

// Get returns one of userID's devices.
func (r *Registry) Get(ctx context.Context, userID, deviceID string) (Device, error) {
	return r.store.Get(ctx, userID, deviceID)
}

// List returns userID's devices, most recently seen first.
func (r *Registry) List(ctx context.Context, userID string, page Page) ([]Device, error) {
	return r.store.List(ctx, userID, page.Normalize(r.cfg.DefaultPageSize, r.cfg.MaxPageSize))
}

// Trust marks a device as trusted.
func (r *Registry) Trust(ctx context.Context, userID, deviceID string) (Device, error) {
	d, err := r.store.SetTrusted(ctx, userID, deviceID, true)
	if err == nil {
		r.log.Info("device.trusted", "user_id", userID, "device_id", deviceID)
	}
	return d, err
}

// RevokeTrust clears the trust flag.
func (r *Registry) RevokeTrust(ctx context.Context, userID, deviceID string) (Device, error) {
	d, err := r.store.SetTrusted(ctx, userID, deviceID, false)
	if err == nil {
		r.log.Info("device.trust_revoked", "user_id", userID, "device_id", deviceID)
	}
	return d, err
}

// IssuedCode is the result of IssueVerificationCode. Plain is only exposed to
// callers that deliver the code themselves.
type IssuedCode struct {
	DeviceID  string
	Plain     string
	ExpiresAt time.Time
}

// IssueVerificationCode creates a fresh single-use code for the device,
// replacing any outstanding one, and hands it to the CodeSender.
func (r *Registry) IssueVerificationCode(ctx context.Context, userID, deviceID string, now time.Time) (IssuedCode, error) {
	d, err := r.store.Get(ctx, userID, deviceID)
	if err != nil {
		return IssuedCode{}, err
	}

	plain, err := newNumericCode(r.cfg.CodeDigits)
	if err != nil {
		return IssuedCode{}, err
	}
	exp := now.Add(r.cfg.CodeTTL)

	if err := r.store.PutCode(ctx, Code{
		DeviceID:  d.ID,
		UserID:    userID,
		Hash:      r.codes.HashParts(d.ID, plain),
		CreatedAt: now,
		ExpiresAt: exp,
	}); err != nil {
		return IssuedCode{}, err
	}

	if err := r.sender.SendDeviceCode(ctx, d, plain, exp); err != nil {
		r.log.Warn("device.code.send_failed", "user_id", userID, "device_id", d.ID, "err", err)
	}
	return IssuedCode{DeviceID: d.ID, Plain: plain, ExpiresAt: exp}, nil
}

// Verify checks code against the outstanding code for the device. On success
// the code is consumed and the device becomes trusted.
func (r *Registry) Verify(ctx context.Context, userID, deviceID, code string, now time.Time) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" || len(code) > 16 {
		return false, ErrInvalidCode
	}

	// Every comparison is paid for up front, so parallel guesses cannot
	// outrun the attempt cap.
	c, err := r.store.ClaimCodeAttempt(ctx, userID, deviceID, r.cfg.MaxCodeAttempts)
	if errors.Is(err, ErrTooManyAttempts) {
		_, _ = r.store.DeleteCode(ctx, userID, deviceID)
		return false, err
	}
	if err != nil {
		return false, err
	}
	if !now.Before(c.ExpiresAt) {
		_, _ = r.store.DeleteCode(ctx, userID, deviceID)
		return false, ErrCodeExpired
	}

	if !token.Equal(r.codes.HashParts(deviceID, code), c.Hash) {
		if c.Attempts >= r.cfg.MaxCodeAttempts {
			_, _ = r.store.DeleteCode(ctx, userID, deviceID)
			r.log.Warn("device.code.attempts_exhausted", "user_id", userID, "device_id", deviceID)
		}
		return false, ErrInvalidCode
	}

	consumed, err := r.store.DeleteCode(ctx, userID, deviceID)
	if err != nil {
		return false, err
	}
	if !consumed {
		return false, ErrInvalidCode
	}

	if _, err := r.store.SetTrusted(ctx, userID, deviceID, true); err != nil {
		return false, err
	}
	r.log.Info("device.verified", "user_id", userID, "device_id", deviceID)
	return true, nil
}

// Remove hard-deletes a device. With cascade, every session bound to the
// device is invalidated first; a failed invalidation aborts the removal.
func (r *Registry) Remove(ctx context.Context, userID, deviceID string, cascade bool) ([]string, error) {
	if _, err := r.store.Get(ctx, userID, deviceID); err != nil {
		return nil, err
	}

	var affected []string
	if cascade {
		var err error
		affected, err = r.revoker.RevokeDeviceSessions(ctx, userID, deviceID, "user:device_removed")
		if err != nil {
			return nil, err
		}
	}

	if err := r.store.Delete(ctx, userID, deviceID); err != nil {
		return affected, err
	}
	r.log.Info("device.removed", "user_id", userID, "device_id", deviceID, "cascade", cascade, "sessions", len(affected))
	return affected, nil
}

// PurgeExpiredCodes drops codes that can no longer be used.
func (r *Registry) PurgeExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	return r.store.PurgeExpiredCodes(ctx, now)
}

func newNumericCode(digits int) (string, error) {
	var b strings.Builder
	b.Grow(digits)
	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/alert"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/credential"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/device"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/refresh"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/ratelimit"
	"github.com/dagz55/d-gateway-sub002/cmd/security/token"
)

const (
	testMaster      = "0123456789abcdef0123456789abcdef-gateway"
	testInternalKey = "internal-key-for-tests"
	uaDesktop       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingRecorder struct {
	mu         sync.Mutex
	logins     int
	rotations  int
	replays    int
	rejections map[string]int
}

func (r *countingRecorder) LoginCompleted() { r.mu.Lock(); r.logins++; r.mu.Unlock() }
func (r *countingRecorder) RefreshRotated() { r.mu.Lock(); r.rotations++; r.mu.Unlock() }
func (r *countingRecorder) ReplayDetected() { r.mu.Lock(); r.replays++; r.mu.Unlock() }

func (r *countingRecorder) CredentialRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejections == nil {
		r.rejections = map[string]int{}
	}
	r.rejections[reason]++
}

type env struct {
	svc      *Service
	issuer   *credential.Issuer
	families *refresh.MemoryStore
	sessions *session.Coordinator
	devices  *device.Registry
	limiter  *ratelimit.Limiter
	alerts   *alert.Memory
	rec      *countingRecorder
	clock    *clock
}

func newEnv(t *testing.T, mutate ...func(*Config)) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	keys, err := token.DeriveKeys(testMaster)
	require.NoError(t, err)
	refreshHasher, err := token.NewHasher(keys.RefreshHash)
	require.NoError(t, err)
	fpHasher, err := token.NewHasher(keys.Fingerprint)
	require.NoError(t, err)
	codeHasher, err := token.NewHasher(keys.DeviceCode)
	require.NoError(t, err)

	e := &env{
		families: refresh.NewMemoryStore(),
		alerts:   &alert.Memory{},
		rec:      &countingRecorder{},
		clock:    &clock{now: t0},
	}

	e.issuer, err = credential.NewIssuer(credential.DefaultConfig(), keys.AccessSigning, refreshHasher)
	require.NoError(t, err)

	e.sessions, err = session.NewCoordinator(session.DefaultConfig(), session.NewMemoryStore(), e.families, log,
		session.WithClock(e.clock.Now))
	require.NoError(t, err)

	e.devices, err = device.NewRegistry(device.DefaultConfig(), device.NewMemoryStore(),
		device.NewFingerprinter(fpHasher), codeHasher, nil, e.sessions, log)
	require.NoError(t, err)

	ls := ratelimit.NewMemoryStore()
	t.Cleanup(ls.Close)
	e.limiter, err = ratelimit.New(ratelimit.DefaultConfig(), ls, e.alerts, log)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.InternalKey = testInternalKey
	for _, m := range mutate {
		m(&cfg)
	}
	e.svc, err = NewService(cfg, Deps{
		Issuer:   e.issuer,
		Families: e.families,
		Sessions: e.sessions,
		Devices:  e.devices,
		Alerts:   e.alerts,
	}, log, WithRecorder(e.rec), WithClock(e.clock.Now))
	require.NoError(t, err)
	return e
}

func desktop(ip string) device.RequestContext {
	return device.RequestContext{
		UserAgent:      uaDesktop,
		AcceptLanguage: "en-US,en;q=0.9",
		AcceptEncoding: "gzip, deflate, br",
		IP:             net.ParseIP(ip),
	}
}

func (e *env) login(t *testing.T, userID string, perms ...string) Login {
	t.Helper()
	l, err := e.svc.OnExternalLoginSuccess(context.Background(), userID, perms, desktop("203.0.113.10"), e.clock.Now())
	require.NoError(t, err)
	return l
}

func bearer(tok string) string { return "Bearer " + strings.TrimSpace(tok) }

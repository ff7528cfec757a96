package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/alert"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/fault"

	"github.com/stretchr/testify/require"
)

// Ten seconds into a one-minute bucket.
var t0 = time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newMemoryLimiter(t *testing.T, cfg Config, sink alert.Sink) *Limiter {
	t.Helper()
	st := NewMemoryStore()
	t.Cleanup(st.Close)
	l, err := New(cfg, st, sink, quietLog())
	require.NoError(t, err)
	return l
}

func smallConfig(limit int) Config {
	cfg := DefaultConfig()
	cfg.API = Rule{Limit: limit, Window: time.Minute}
	cfg.ViolationThreshold = 100
	return cfg
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := map[string]Class{
		"/auth/refresh":                 ClassAuth,
		"/internal/auth/login-complete": ClassAuth,
		"/admin/users/u1/invalidations": ClassAdmin,
		"/api/account/sessions":         ClassAPI,
		"/ws/session-events":            ClassAPI,
		"/healthz":                      ClassDefault,
		"/":                             ClassDefault,
	}
	for path, want := range cases {
		require.Equal(t, want, Classify(path), path)
	}
	require.Equal(t, "admin", ClassAdmin.String())
}

func exerciseNPlusOne(t *testing.T, l *Limiter, limit int, req Request) {
	t.Helper()
	ctx := context.Background()

	limited := 0
	var last Decision
	for i := 1; i <= limit+1; i++ {
		d, err := l.Allow(ctx, req, t0)
		require.NoError(t, err)
		if !d.Allowed {
			limited++
			require.Equal(t, limit+1, i, "only the last request may be limited")
		}
		last = d
	}

	require.Equal(t, 1, limited)
	require.False(t, last.Allowed)
	require.Equal(t, 0, last.Remaining)
	require.Equal(t, limit, last.Limit)
	require.True(t, last.Reset.Equal(time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)), last.Reset)
	require.Equal(t, 50*time.Second, last.RetryAfter)

	var le *LimitError
	require.ErrorAs(t, last.Err(), &le)
	require.ErrorIs(t, last.Err(), ErrRateLimited)
}

func TestAllow_NPlusOneYieldsExactlyOneLimited(t *testing.T) {
	t.Parallel()
	l := newMemoryLimiter(t, smallConfig(5), nil)
	exerciseNPlusOne(t, l, 5, Request{Class: ClassAPI, IP: "203.0.113.10"})
}

func TestAllow_RemainingCountsDown(t *testing.T) {
	t.Parallel()
	l := newMemoryLimiter(t, smallConfig(3), nil)
	ctx := context.Background()
	req := Request{Class: ClassAPI, IP: "203.0.113.10"}

	for want := 2; want >= 0; want-- {
		d, err := l.Allow(ctx, req, t0)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, want, d.Remaining)
	}
}

func TestAllow_UserBudgetFollowsAcrossIPs(t *testing.T) {
	t.Parallel()
	l := newMemoryLimiter(t, smallConfig(4), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ip := []string{"203.0.113.1", "198.51.100.2"}[i%2]
		d, err := l.Allow(ctx, Request{Class: ClassAPI, UserID: "u1", IP: ip}, t0)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, Request{Class: ClassAPI, UserID: "u1", IP: "192.0.2.3"}, t0)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, "user:u1", d.Identity)

	// Another user on the same addresses has its own budget.
	d, err = l.Allow(ctx, Request{Class: ClassAPI, UserID: "u2", IP: "203.0.113.1"}, t0)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAllow_AnonymousIPCannotHideBehindAccounts(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(2)
	cfg.SharedIPMultiplier = 2
	l := newMemoryLimiter(t, cfg, nil)
	ctx := context.Background()

	// Four different accounts from one IP exhaust the shared IP budget (2*2).
	for i, u := range []string{"a", "b", "c", "d"} {
		d, err := l.Allow(ctx, Request{Class: ClassAPI, UserID: u, IP: "203.0.113.1"}, t0)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
	}
	d, err := l.Allow(ctx, Request{Class: ClassAPI, UserID: "e", IP: "203.0.113.1"}, t0)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, "ip:203.0.113.1", d.Identity)
}

func TestAllow_AdminCeilingIsHigherButFinite(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(2)
	cfg.AdminMultiplier = 3
	l := newMemoryLimiter(t, cfg, nil)
	ctx := context.Background()
	req := Request{Class: ClassAPI, UserID: "root", IP: "203.0.113.1", Admin: true}

	allowed := 0
	for i := 0; i < 10; i++ {
		d, err := l.Allow(ctx, req, t0)
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
		require.Equal(t, 6, d.Limit)
	}
	require.Equal(t, 6, allowed)
}

func TestAllow_SlidingWindowWeightsPreviousBucket(t *testing.T) {
	t.Parallel()
	l := newMemoryLimiter(t, smallConfig(10), nil)
	ctx := context.Background()
	req := Request{Class: ClassAPI, IP: "203.0.113.1"}

	for i := 0; i < 10; i++ {
		_, err := l.Allow(ctx, req, t0)
		require.NoError(t, err)
	}

	// A quarter into the next bucket, 75% of the previous ten still count.
	next := time.Date(2026, 3, 1, 12, 1, 15, 0, time.UTC)
	d, err := l.Allow(ctx, req, next)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 10-(1+7), d.Remaining)
}

func TestStatus_DoesNotCount(t *testing.T) {
	t.Parallel()
	l := newMemoryLimiter(t, smallConfig(3), nil)
	ctx := context.Background()
	req := Request{Class: ClassAPI, IP: "203.0.113.1"}

	_, err := l.Allow(ctx, req, t0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d, err := l.Status(ctx, req, t0)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, 2, d.Remaining)
	}
}

func TestAllow_RepeatedViolationsEscalate(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(3)
	cfg.ViolationThreshold = 2
	cfg.PenaltyDuration = 5 * time.Minute
	sink := &alert.Memory{}
	l := newMemoryLimiter(t, cfg, sink)
	ctx := context.Background()
	req := Request{Class: ClassAPI, UserID: "bot", IP: "203.0.113.66"}

	var d Decision
	var err error
	for i := 0; i < 4; i++ {
		d, err = l.Allow(ctx, req, t0)
		require.NoError(t, err)
	}
	require.False(t, d.Allowed)
	require.False(t, d.Escalated)

	d, err = l.Allow(ctx, req, t0)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.True(t, d.Escalated)
	require.Equal(t, 5*time.Minute, d.RetryAfter)

	events := sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, alert.TypeRateLimitEscalated, events[0].Type)
	require.Equal(t, alert.SeverityHigh, events[0].Severity)
	require.Equal(t, "bot", events[0].UserID)

	// Blocked: denied without a second alert, even in a fresh window.
	d, err = l.Allow(ctx, req, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.False(t, d.Escalated)
	require.Equal(t, 3*time.Minute, d.RetryAfter)
	require.Len(t, sink.Events(), 1)

	d, err = l.Allow(ctx, req, t0.Add(6*time.Minute))
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAllow_DeeplyNegativeEscalates(t *testing.T) {
	t.Parallel()
	sink := &alert.Memory{}
	l := newMemoryLimiter(t, smallConfig(2), sink)
	ctx := context.Background()
	req := Request{Class: ClassAPI, IP: "203.0.113.66"}

	var d Decision
	for i := 0; i < 4; i++ {
		var err error
		d, err = l.Allow(ctx, req, t0)
		require.NoError(t, err)
	}
	require.True(t, d.Escalated)
	require.Len(t, sink.Events(), 1)
}

type brokenStore struct{ err error }

func (b brokenStore) Incr(context.Context, string, int64, time.Duration) (Counts, error) {
	return Counts{}, b.err
}
func (b brokenStore) Peek(context.Context, string, int64) (Counts, error) { return Counts{}, b.err }
func (b brokenStore) AddViolation(context.Context, string, time.Duration) (int64, error) {
	return 0, b.err
}
func (b brokenStore) Block(context.Context, string, time.Time, time.Duration) error { return b.err }
func (b brokenStore) BlockedUntil(context.Context, string) (time.Time, error) {
	return time.Time{}, b.err
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *countingRecorder) LimitDecision(_ string, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func TestAllow_FailsOpenOnlyWhenStoreUnavailable(t *testing.T) {
	t.Parallel()
	rec := &countingRecorder{}
	down := brokenStore{err: fault.Unavailable("ratelimit.redis.incr", io.ErrUnexpectedEOF)}
	l, err := New(DefaultConfig(), down, nil, quietLog(), WithRecorder(rec))
	require.NoError(t, err)

	d, err := l.Allow(context.Background(), Request{Class: ClassAuth, IP: "203.0.113.1"}, t0)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.FailOpen)
	require.Equal(t, 1, rec.outcomes[OutcomeFailOpen])

	canceled := brokenStore{err: context.Canceled}
	l, err = New(DefaultConfig(), canceled, nil, quietLog())
	require.NoError(t, err)
	_, err = l.Allow(context.Background(), Request{Class: ClassAuth, IP: "203.0.113.1"}, t0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAllow_ConcurrentIncrementsAreNotLost(t *testing.T) {
	t.Parallel()
	const limit = 50
	l := newMemoryLimiter(t, smallConfig(limit), nil)
	req := Request{Class: ClassAPI, IP: "203.0.113.1"}

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 4*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), req, t0)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(limit), allowed.Load())
}

func TestWriteHeaders(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	WriteHeaders(h, Decision{
		Allowed:    false,
		Limit:      10,
		Remaining:  0,
		Reset:      time.Unix(1772366460, 0),
		RetryAfter: 1500 * time.Millisecond,
	})
	require.Equal(t, "10", h.Get(HeaderLimit))
	require.Equal(t, "0", h.Get(HeaderRemaining))
	require.Equal(t, "1772366460", h.Get(HeaderReset))
	require.Equal(t, "2", h.Get(HeaderRetryAfter))

	h = http.Header{}
	WriteHeaders(h, Decision{Allowed: true, Limit: 10, Remaining: 9, Reset: time.Unix(1772366460, 0)})
	require.Empty(t, h.Get(HeaderRetryAfter))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.AdminMultiplier = 0
	require.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg = DefaultConfig()
	cfg.Auth.Limit = 0
	require.ErrorIs(t, cfg.Validate(), ErrConfig)
}

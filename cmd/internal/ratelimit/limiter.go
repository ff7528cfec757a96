package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/alert"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/fault"
)

// ErrRateLimited is the sentinel behind *LimitError.
var ErrRateLimited = errors.New("rate limited")

// LimitError carries the denying decision.
type LimitError struct {
	Decision Decision
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited.Error(), e.Decision.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Request identifies the caller of one inbound request.
type Request struct {
	Class  Class
	UserID string
	IP     string
	Admin  bool
}

// Decision is the limiter's verdict for one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	Escalated  bool
	FailOpen   bool
	Identity   string
	Class      Class
}

// Err returns a *LimitError for denied decisions, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &LimitError{Decision: d}
}

// Recorder receives limiter outcomes.
type Recorder interface {
	LimitDecision(class, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) LimitDecision(string, string) {}

// Outcomes reported to the Recorder.
const (
	OutcomeAllowed   = "allowed"
	OutcomeLimited   = "limited"
	OutcomeEscalated = "escalated"
	OutcomeFailOpen  = "fail_open"
)

// Limiter is the adaptive rate limiter. It is safe for concurrent use.
type Limiter struct {
	cfg    Config
	store  Store
	alerts alert.Sink
	rec    Recorder
	log    *slog.Logger
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.rec = r
		}
	}
}

// New builds a Limiter. alerts may be nil.
func New(cfg Config, store Store, alerts alert.Sink, log *slog.Logger, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, ErrConfig
	}
	if alerts == nil {
		alerts = alert.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	l := &Limiter{cfg: cfg, store: store, alerts: alerts, rec: nopRecorder{}, log: log}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

type identity struct {
	name  string
	limit int
}

// identities lists the counters a request is charged against. Authenticated
// traffic is counted per user and per IP so neither can be used to launder
// the other.
func (l *Limiter) identities(req Request) []identity {
	limit := l.cfg.Rule(req.Class).Limit
	if req.Admin {
		limit *= l.cfg.AdminMultiplier
	}
	ip := req.IP
	if ip == "" {
		ip = "unknown"
	}
	if req.UserID == "" {
		return []identity{{name: "ip:" + ip, limit: limit}}
	}
	return []identity{
		{name: "user:" + req.UserID, limit: limit},
		{name: "ip:" + ip, limit: limit * l.cfg.SharedIPMultiplier},
	}
}

func (l *Limiter) key(class Class, id identity) string {
	return class.String() + ":" + id.name
}

// Allow counts one request and decides whether it may proceed. A store
// outage fails open; any other error is returned.
func (l *Limiter) Allow(ctx context.Context, req Request, now time.Time) (Decision, error) {
	d, err := l.decide(ctx, req, now, true)
	if err != nil {
		if errors.Is(err, fault.ErrStoreUnavailable) {
			rule := l.cfg.Rule(req.Class)
			l.rec.LimitDecision(req.Class.String(), OutcomeFailOpen)
			l.log.Warn("ratelimit.fail_open", "class", req.Class.String(), "user_id", req.UserID, "ip", req.IP, "err", err)
			return Decision{
				Allowed:   true,
				FailOpen:  true,
				Limit:     rule.Limit,
				Remaining: rule.Limit,
				Reset:     now.Add(rule.Window),
				Class:     req.Class,
			}, nil
		}
		return Decision{}, err
	}

	switch {
	case d.Escalated:
		l.rec.LimitDecision(req.Class.String(), OutcomeEscalated)
	case !d.Allowed:
		l.rec.LimitDecision(req.Class.String(), OutcomeLimited)
	default:
		l.rec.LimitDecision(req.Class.String(), OutcomeAllowed)
	}
	return d, nil
}

// Status reports the caller's budget without counting a hit.
func (l *Limiter) Status(ctx context.Context, req Request, now time.Time) (Decision, error) {
	return l.decide(ctx, req, now, false)
}

func (l *Limiter) decide(ctx context.Context, req Request, now time.Time, count bool) (Decision, error) {
	var out Decision
	for i, id := range l.identities(req) {
		d, err := l.check(ctx, req, id, now, count)
		if err != nil {
			return Decision{}, err
		}
		if i == 0 || better(d, out) {
			out = d
		}
	}
	return out, nil
}

// better reports whether d should replace cur as the reported decision:
// denials win over allowances, longer waits over shorter, and among
// allowances the tighter budget is reported.
func better(d, cur Decision) bool {
	if d.Allowed != cur.Allowed {
		return !d.Allowed
	}
	if !d.Allowed {
		return d.RetryAfter > cur.RetryAfter
	}
	return d.Remaining < cur.Remaining
}

func (l *Limiter) check(ctx context.Context, req Request, id identity, now time.Time, count bool) (Decision, error) {
	rule := l.cfg.Rule(req.Class)
	key := l.key(req.Class, id)

	d := Decision{Limit: id.limit, Identity: id.name, Class: req.Class}

	until, err := l.store.BlockedUntil(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if now.Before(until) {
		d.Reset = until
		d.RetryAfter = until.Sub(now)
		return d, nil
	}

	windowMs := rule.Window.Milliseconds()
	nowMs := now.UnixMilli()
	bucket := nowMs / windowMs

	var c Counts
	if count {
		c, err = l.store.Incr(ctx, key, bucket, rule.Window)
	} else {
		c, err = l.store.Peek(ctx, key, bucket)
	}
	if err != nil {
		return Decision{}, err
	}

	est := estimate(c, float64(nowMs-bucket*windowMs)/float64(windowMs))
	raw := int64(id.limit) - est

	d.Reset = time.UnixMilli((bucket + 1) * windowMs).UTC()
	d.Allowed = est <= int64(id.limit)
	d.Remaining = int(max(raw, 0))
	if !d.Allowed {
		d.RetryAfter = d.Reset.Sub(now)
	}
	if d.Allowed || !count {
		return d, nil
	}

	violations, err := l.store.AddViolation(ctx, key, l.cfg.ViolationWindow)
	if err != nil {
		return Decision{}, err
	}
	if raw > -int64(id.limit) && violations < int64(l.cfg.ViolationThreshold) {
		return d, nil
	}

	until = now.Add(l.cfg.PenaltyDuration)
	if err := l.store.Block(ctx, key, until, l.cfg.PenaltyDuration); err != nil {
		return Decision{}, err
	}
	d.Escalated = true
	d.Reset = until
	d.RetryAfter = l.cfg.PenaltyDuration

	l.log.Warn("ratelimit.escalated", "class", req.Class.String(), "identity", id.name, "estimate", est, "violations", violations)
	l.alerts.Emit(ctx, alert.Event{
		Type:     alert.TypeRateLimitEscalated,
		Severity: alert.SeverityHigh,
		UserID:   req.UserID,
		IP:       req.IP,
		Message:  "automated abuse suspected; identity blocked",
		Attrs: map[string]string{
			"class":      req.Class.String(),
			"identity":   id.name,
			"estimate":   strconv.FormatInt(est, 10),
			"limit":      strconv.Itoa(id.limit),
			"violations": strconv.FormatInt(violations, 10),
			"penalty":    l.cfg.PenaltyDuration.String(),
		},
		Time: now,
	})
	return d, nil
}

// estimate is the sliding-window count: the current bucket plus the share of
// the previous bucket still inside the window. elapsed is the fraction of the
// current bucket that has passed.
func estimate(c Counts, elapsed float64) int64 {
	return c.Current + int64(float64(c.Previous)*(1-elapsed))
}

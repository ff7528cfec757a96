// Package alert delivers security events (refresh replay, limiter
// escalation) to operators. Delivery is best-effort: a failing sink never
// aborts the operation that raised the alert.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert types raised by signalhub.
const (
	TypeRefreshReplay      = "auth.refresh.replay_detected"
	TypeRateLimitEscalated = "ratelimit.escalated"
)

// Event is one security alert.
type Event struct {
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Message   string            `json:"message"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Time      time.Time         `json:"time"`
}

// Sink receives alerts. Emit must not block for long and must not panic.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// LogSink writes alerts to a structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a LogSink; nil uses slog.Default.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, ev Event) {
	level := slog.LevelWarn
	switch ev.Severity {
	case SeverityInfo:
		level = slog.LevelInfo
	case SeverityHigh, SeverityCritical:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("type", ev.Type),
		slog.String("severity", string(ev.Severity)),
		slog.String("message", ev.Message),
	}
	if ev.UserID != "" {
		attrs = append(attrs, slog.String("user_id", ev.UserID))
	}
	if ev.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", ev.SessionID))
	}
	if ev.IP != "" {
		attrs = append(attrs, slog.String("ip", ev.IP))
	}
	for k, v := range ev.Attrs {
		attrs = append(attrs, slog.String(k, v))
	}
	s.log.LogAttrs(ctx, level, "security.alert", attrs...)
}

// Multi fans an alert out to every sink.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Memory records alerts; used by tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (m *Memory) Emit(_ context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of the recorded alerts.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

package realtime

import "time"

// frameLimiter bounds inbound frames per connection: at most limit frames in
// any trailing window. It keeps the last limit arrival times in a ring and is
// owned by the connection's read loop, so it is not synchronized.
type frameLimiter struct {
	ring   []time.Time
	next   int
	window time.Duration
}

func newFrameLimiter(limit int, window time.Duration) *frameLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &frameLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow records a frame at now unless the oldest of the last limit frames is
// still inside the window.
func (l *frameLimiter) Allow(now time.Time) bool {
	oldest := l.ring[l.next]
	if !oldest.IsZero() && now.Sub(oldest) < l.window {
		return false
	}
	l.ring[l.next] = now
	l.next = (l.next + 1) % len(l.ring)
	return true
}

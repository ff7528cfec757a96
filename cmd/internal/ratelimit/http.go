package ratelimit

import (
	"math"
	"net/http"
	"strconv"
)

// Standard rate-limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// WriteHeaders sets the rate-limit headers for d. Retry-After is only set on
// denials and is rounded up to whole seconds.
func WriteHeaders(h http.Header, d Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	if !d.Reset.IsZero() {
		h.Set(HeaderReset, strconv.FormatInt(d.Reset.Unix(), 10))
	}
	if !d.Allowed && d.RetryAfter > 0 {
		h.Set(HeaderRetryAfter, strconv.FormatInt(int64(math.Ceil(d.RetryAfter.Seconds())), 10))
	}
}

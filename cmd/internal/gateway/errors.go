package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/credential"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/device"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/refresh"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/fault"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/ratelimit"
)

type errMapping struct {
	err    error
	status int
	code   string
	msg    string
}

// Order matters: more specific sentinels first.
var errMappings = []errMapping{
	{credential.ErrExpiredCredential, http.StatusUnauthorized, "credential_expired", "access credential expired"},
	{credential.ErrInvalidSignature, http.StatusUnauthorized, "invalid_credential", "invalid access credential"},
	{credential.ErrMalformedCredential, http.StatusUnauthorized, "invalid_credential", "invalid access credential"},
	{session.ErrStaleSessionVersion, http.StatusUnauthorized, "stale_session", "session was updated; sign in again"},

	{refresh.ErrReplayDetected, http.StatusUnauthorized, "refresh_reuse_detected", "refresh token reuse detected"},
	{refresh.ErrUnknownToken, http.StatusUnauthorized, "invalid_refresh_token", "invalid refresh token"},
	{refresh.ErrFamilyRevoked, http.StatusUnauthorized, "invalid_refresh_token", "invalid refresh token"},
	{refresh.ErrRefreshExpired, http.StatusUnauthorized, "refresh_expired", "refresh token expired"},

	{session.ErrSessionNotFound, http.StatusNotFound, "session_not_found", "session not found"},
	{session.ErrSessionInactive, http.StatusUnauthorized, "session_not_active", "session not active"},
	{session.ErrInvalidationNotFound, http.StatusNotFound, "invalidation_not_found", "pending invalidation not found"},
	{session.ErrExtensionNotAllowed, http.StatusConflict, "extension_not_allowed", "invalidation does not allow extension"},
	{session.ErrInvalidSchedule, http.StatusBadRequest, "invalid_schedule", "invalid delay or warning window"},

	{device.ErrDeviceNotFound, http.StatusNotFound, "device_not_found", "device not found"},
	{device.ErrInvalidCode, http.StatusBadRequest, "invalid_code", "invalid verification code"},
	{device.ErrCodeExpired, http.StatusBadRequest, "code_expired", "verification code expired"},
	{device.ErrTooManyAttempts, http.StatusForbidden, "code_attempts_exhausted", "too many wrong codes; request a new one"},

	{fault.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable", "please retry later"},
	{context.Canceled, http.StatusServiceUnavailable, "request_canceled", "request canceled"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "server_busy", "please retry later"},
}

// writeServiceError is the single mapping from component errors to HTTP.
// Unknown errors are logged and reported as 500.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	var le *ratelimit.LimitError
	if errors.As(err, &le) {
		writeRateLimited(w, le.Decision)
		return
	}
	for _, m := range errMappings {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				log.Warn(op+".unavailable", "err", err)
			}
			writeError(w, m.status, m.code, m.msg)
			return
		}
	}
	log.Error(op+".fail", "err", err)
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

// writeAuthError maps a failed credential validation. Every rejection is a
// 401 so clients re-authenticate; a missing session is not a 404 here.
func writeAuthError(w http.ResponseWriter, log *slog.Logger, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		err = session.ErrSessionInactive
	}
	writeServiceError(w, log, "auth.validate", err)
}

func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	ratelimit.WriteHeaders(w.Header(), d)
	msg := "too many requests"
	if d.Escalated {
		msg = "too many requests; temporarily blocked"
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", msg)
}

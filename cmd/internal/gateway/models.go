package gateway

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/credential"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/device"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
)

// clientContext is the end user's request context as forwarded by the
// identity provider. Absent, the calling request's own headers are used.
type clientContext struct {
	UserAgent      string `json:"user_agent" validate:"max=1024"`
	IP             string `json:"ip" validate:"omitempty,ip"`
	AcceptLanguage string `json:"accept_language" validate:"max=256"`
	AcceptEncoding string `json:"accept_encoding" validate:"max=256"`
	ClientHintUA   string `json:"sec_ch_ua" validate:"max=512"`
	ClientPlatform string `json:"sec_ch_ua_platform" validate:"max=64"`
	ClientMobile   string `json:"sec_ch_ua_mobile" validate:"max=8"`
	Location       string `json:"location" validate:"max=64"`
}

func (c *clientContext) requestContext(r *http.Request, trustProxy bool) device.RequestContext {
	if c == nil {
		return device.RequestContextFrom(r, clientIP(r, trustProxy))
	}
	return device.RequestContext{
		UserAgent:      strings.TrimSpace(c.UserAgent),
		AcceptLanguage: strings.TrimSpace(c.AcceptLanguage),
		AcceptEncoding: strings.TrimSpace(c.AcceptEncoding),
		ClientHintUA:   strings.TrimSpace(c.ClientHintUA),
		ClientPlatform: strings.TrimSpace(c.ClientPlatform),
		ClientMobile:   strings.TrimSpace(c.ClientMobile),
		IP:             net.ParseIP(strings.TrimSpace(c.IP)),
		Location:       strings.TrimSpace(c.Location),
	}
}

type loginCompleteRequest struct {
	UserID      string         `json:"user_id" validate:"required,max=128"`
	Permissions []string       `json:"permissions" validate:"max=64,dive,required,max=64"`
	Client      *clientContext `json:"client"`
}

type loginCompleteResponse struct {
	SessionID   string          `json:"session_id"`
	Credentials credential.Pair `json:"credentials"`
	Device      device.Device   `json:"device"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=4096"`
}

type refreshResponse struct {
	Credentials credential.Pair `json:"credentials"`
}

type revokeAllRequest struct {
	ExcludeCurrent bool `json:"exclude_current"`
}

type verifyDeviceRequest struct {
	Code string `json:"code" validate:"required,numeric,min=6,max=10"`
}

type verificationCodeResponse struct {
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type scheduleRequest struct {
	SessionIDs     []string `json:"session_ids" validate:"max=100,dive,required,max=128"`
	Trigger        string   `json:"trigger" validate:"omitempty,oneof=user admin password_change role_change security"`
	Message        string   `json:"message" validate:"max=500"`
	DelaySeconds   int64    `json:"delay_seconds" validate:"gte=0"`
	WarningMinutes *int     `json:"warning_minutes" validate:"omitempty,gte=0"`
	AllowExtension bool     `json:"allow_extension"`
}

func (req scheduleRequest) toSchedule(userID string, def session.Trigger, triggeredBy string) session.ScheduleRequest {
	trigger := session.Trigger(req.Trigger)
	if trigger == "" {
		trigger = def
	}
	return session.ScheduleRequest{
		UserID:         userID,
		SessionIDs:     req.SessionIDs,
		Trigger:        trigger,
		Message:        strings.TrimSpace(req.Message),
		TriggeredBy:    triggeredBy,
		Delay:          time.Duration(req.DelaySeconds) * time.Second,
		WarningMinutes: req.WarningMinutes,
		AllowExtension: req.AllowExtension,
	}
}

type delayRequest struct {
	ExtendSeconds int64 `json:"extend_seconds" validate:"required,gt=0"`
}

type bumpVersionRequest struct {
	// Permissions replaces the stored permissions when present.
	Permissions      []string `json:"permissions" validate:"omitempty,max=64,dive,required,max=64"`
	ExcludeSessionID string   `json:"exclude_session_id" validate:"max=128"`
}

type bumpVersionResponse struct {
	UserID   string   `json:"user_id"`
	Sessions []string `json:"sessions"`
}

type invalidatedResponse struct {
	Event session.Event `json:"event"`
}

type removeDeviceResponse struct {
	DeviceID         string   `json:"device_id"`
	AffectedSessions []string `json:"affected_sessions"`
}

type rateLimitResponse struct {
	Class     string    `json:"class"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Blocked   bool      `json:"blocked"`
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

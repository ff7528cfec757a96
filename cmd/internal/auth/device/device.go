// Package device fingerprints client devices and tracks their trust state.
//
// A device is identified per user by a keyed fingerprint of stable request
// signals (user agent, accept headers, client hints). The client IP is never
// part of the fingerprint; it is tracked as lastIP only.
package device

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Type is a coarse device class derived from the user agent.
type Type string

const (
	TypeDesktop Type = "desktop"
	TypeMobile  Type = "mobile"
	TypeTablet  Type = "tablet"
	TypeBot     Type = "bot"
	TypeUnknown Type = "unknown"
)

// Device is one known client of a user.
type Device struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Fingerprint     string    `json:"-"`
	Name            string    `json:"device_name"`
	Type            Type      `json:"device_type"`
	OperatingSystem string    `json:"operating_system"`
	Browser         string    `json:"browser"`
	Trusted         bool      `json:"is_trusted"`
	Active          bool      `json:"is_active"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	LastIP          string    `json:"last_ip,omitempty"`
}

// RequestContext carries the request signals needed to register a device and
// open a session.
type RequestContext struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	ClientHintUA   string
	ClientPlatform string
	ClientMobile   string
	IP             net.IP
	Location       string
}

// IPString returns the client IP or "".
func (rc RequestContext) IPString() string {
	if rc.IP == nil {
		return ""
	}
	return rc.IP.String()
}

// RequestContextFrom extracts signals from an HTTP request. ip is resolved by
// the caller because proxy trust is a deployment decision.
func RequestContextFrom(r *http.Request, ip net.IP) RequestContext {
	h := r.Header
	return RequestContext{
		UserAgent:      strings.TrimSpace(r.UserAgent()),
		AcceptLanguage: strings.TrimSpace(h.Get("Accept-Language")),
		AcceptEncoding: strings.TrimSpace(h.Get("Accept-Encoding")),
		ClientHintUA:   strings.TrimSpace(h.Get("Sec-CH-UA")),
		ClientPlatform: strings.TrimSpace(h.Get("Sec-CH-UA-Platform")),
		ClientMobile:   strings.TrimSpace(h.Get("Sec-CH-UA-Mobile")),
		IP:             ip,
		Location:       strings.TrimSpace(h.Get("CF-IPCountry")),
	}
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to [1, max] with a default.
func (p Page) Normalize(def, max int) Page {
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > max {
		p.Limit = max
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

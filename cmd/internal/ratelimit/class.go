// Package ratelimit implements signalhub's adaptive request limiter: a
// sliding-window counter per identity and endpoint class, with escalation
// for abusive patterns and fail-open behavior when the counter store is down.
package ratelimit

import "strings"

// Class is the endpoint class a request is limited under.
type Class uint8

const (
	ClassDefault Class = iota
	ClassAuth
	ClassAdmin
	ClassAPI
)

var classNames = [...]string{
	ClassDefault: "default",
	ClassAuth:    "auth",
	ClassAdmin:   "admin",
	ClassAPI:     "api",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "unknown"
}

// Classify resolves the class for a request path.
func Classify(path string) Class {
	switch {
	case strings.HasPrefix(path, "/auth/"), strings.HasPrefix(path, "/internal/auth/"):
		return ClassAuth
	case strings.HasPrefix(path, "/admin/"):
		return ClassAdmin
	case strings.HasPrefix(path, "/api/"), strings.HasPrefix(path, "/ws/"):
		return ClassAPI
	default:
		return ClassDefault
	}
}

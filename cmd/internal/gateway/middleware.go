package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/ratelimit"
)

// rateLimit charges every request to its caller before any store-backed
// authentication runs. Identity comes from a stateless credential check.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := h.now()
		userID, admin := h.svc.RateIdentity(bearerToken(r), now)
		req := ratelimit.Request{
			Class:  ratelimit.Classify(r.URL.Path),
			UserID: userID,
			IP:     ipString(clientIP(r, h.cfg.TrustProxy)),
			Admin:  admin,
		}

		d, err := h.limiter.Allow(r.Context(), req, now)
		if err != nil {
			writeServiceError(w, h.log, "ratelimit", err)
			return
		}
		if !d.Allowed {
			h.log.Info("ratelimit.limited",
				"class", req.Class.String(),
				"identity", d.Identity,
				"path", r.URL.Path,
				"retry_after", d.RetryAfter,
				"escalated", d.Escalated,
			)
			writeRateLimited(w, d)
			return
		}
		ratelimit.WriteHeaders(w.Header(), d)
		next.ServeHTTP(w, r)
	})
}

// requireAuth validates the bearer credential against live session state and
// stores the Principal in the request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		p, err := h.svc.ValidateRequest(r.Context(), token, h.now())
		if err != nil {
			writeAuthError(w, h.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// requireAdmin must run after requireAuth.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		if !p.IsAdmin() {
			h.log.Warn("auth.admin.denied", "user_id", p.UserID, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "forbidden", "admin permission required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireInternalKey guards endpoints called by the identity provider.
func (h *Handler) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.InternalKey == "" {
			writeError(w, http.StatusNotFound, "not_found", "not found")
			return
		}
		got := strings.TrimSpace(r.Header.Get("X-Internal-Key"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.InternalKey)) != 1 {
			h.log.Warn("auth.internal_key.rejected", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid internal key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/device"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/ratelimit"
)

// Handler serves the signalhub HTTP API.
type Handler struct {
	cfg      Config
	svc      *Service
	sessions *session.Coordinator
	devices  *device.Registry
	limiter  *ratelimit.Limiter
	stream   http.Handler
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithStream mounts the session-events websocket at /ws/session-events.
func WithStream(stream http.Handler) HandlerOption {
	return func(h *Handler) {
		if stream != nil {
			h.stream = stream
		}
	}
}

// NewHandler builds the HTTP API on top of svc. The limiter guards every
// route registered by the handler.
func NewHandler(svc *Service, limiter *ratelimit.Limiter, log *slog.Logger, opts ...HandlerOption) (*Handler, error) {
	if svc == nil || limiter == nil {
		return nil, ErrConfig
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		cfg:      svc.cfg,
		svc:      svc,
		sessions: svc.sessions,
		devices:  svc.devices,
		limiter:  limiter,
		validate: newValidator(),
		log:      log,
		now:      svc.now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires every route onto r. Rate limiting runs first, then
// authentication, then the admin check.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)

		r.With(h.requireInternalKey).Post("/internal/auth/login-complete", h.handleLoginComplete)
		r.Post("/auth/refresh", h.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Post("/auth/logout", h.handleLogout)
			r.Get("/api/me", h.handleMe)

			r.Route("/api/account", func(r chi.Router) {
				r.Get("/sessions", h.handleListSessions)
				r.Delete("/sessions/{id}", h.handleRevokeSession)
				r.Post("/sessions/revoke-all", h.handleRevokeAll)

				r.Get("/devices", h.handleListDevices)
				r.Delete("/devices/{id}", h.handleRemoveDevice)
				r.Post("/devices/{id}/trust", h.handleTrustDevice)
				r.Post("/devices/{id}/revoke-trust", h.handleRevokeDeviceTrust)
				r.Post("/devices/{id}/verification-code", h.handleIssueDeviceCode)
				r.Post("/devices/{id}/verify", h.handleVerifyDevice)
				r.Post("/devices/{id}/revoke-sessions", h.handleRevokeDeviceSessions)

				r.Get("/invalidations", h.handleListPending)
				r.Post("/invalidations", h.handleSchedule)
				r.Get("/invalidations/history", h.handleHistory)
				r.Post("/invalidations/{id}/delay", h.handleDelay)
				r.Post("/invalidations/{id}/execute", h.handleExecute)
				r.Delete("/invalidations/{id}", h.handleCancel)

				r.Get("/rate-limit", h.handleRateLimitStatus)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.requireAdmin)

				r.Post("/users/{id}/session-version", h.handleAdminBumpVersion)
				r.Post("/users/{id}/invalidations", h.handleAdminSchedule)
				r.Get("/users/{id}/invalidations", h.handleAdminListPending)
				r.Post("/users/{id}/sessions/revoke-all", h.handleAdminRevokeAll)
				r.Post("/invalidations/{id}/execute", h.handleAdminExecute)
				r.Delete("/invalidations/{id}", h.handleAdminCancel)
			})
		})

		if h.stream != nil {
			// The stream authenticates its own upgrade.
			r.Get("/ws/session-events", h.stream.ServeHTTP)
		}
	})
}

// ---- auth ----

func (h *Handler) handleLoginComplete(w http.ResponseWriter, r *http.Request) {
	var req loginCompleteRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	rc := req.Client.requestContext(r, h.cfg.TrustProxy)
	login, err := h.svc.OnExternalLoginSuccess(r.Context(), req.UserID, req.Permissions, rc, h.now())
	if err != nil {
		writeServiceError(w, h.log, "auth.login", err)
		return
	}
	writeJSON(w, http.StatusOK, loginCompleteResponse{
		SessionID:   login.SessionID,
		Credentials: login.Pair,
		Device:      login.Device,
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.bind(w, r, &req, false) {
		return
	}

	rc := device.RequestContextFrom(r, clientIP(r, h.cfg.TrustProxy))
	pair, err := h.svc.RefreshCredentials(r.Context(), req.RefreshToken, rc, h.now())
	if err != nil {
		writeServiceError(w, h.log, "auth.refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Credentials: pair})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	if err := h.svc.Logout(r.Context(), p, h.now()); err != nil {
		writeServiceError(w, h.log, "auth.logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	writeJSON(w, http.StatusOK, p)
}

// ---- sessions ----

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	out, err := h.sessions.ListActive(r.Context(), p.UserID, session.Page(page), h.now())
	if err != nil {
		writeServiceError(w, h.log, "session.list", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[session.Session]{Items: out, Limit: page.Limit, Offset: page.Offset})
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.sessions.Revoke(r.Context(), p.UserID, id, "user_revoked", "user:"+p.UserID, h.now()); err != nil {
		writeServiceError(w, h.log, "session.revoke", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req revokeAllRequest
	if !h.bind(w, r, &req, true) {
		return
	}
	ev, err := h.sessions.InvalidateAll(r.Context(), p.UserID, req.ExcludeCurrent, p.SessionID, "user:"+p.UserID, h.now())
	if err != nil {
		writeServiceError(w, h.log, "session.revoke_all", err)
		return
	}
	writeJSON(w, http.StatusOK, invalidatedResponse{Event: ev})
}

// ---- devices ----

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	out, err := h.devices.List(r.Context(), p.UserID, device.Page(page))
	if err != nil {
		writeServiceError(w, h.log, "device.list", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[device.Device]{Items: out, Limit: page.Limit, Offset: page.Offset})
}

func (h *Handler) handleTrustDevice(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	d, err := h.devices.Trust(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, "device.trust", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleRevokeDeviceTrust(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	d, err := h.devices.RevokeTrust(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, "device.revoke_trust", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleIssueDeviceCode(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	code, err := h.devices.IssueVerificationCode(r.Context(), p.UserID, chi.URLParam(r, "id"), h.now())
	if err != nil {
		writeServiceError(w, h.log, "device.code", err)
		return
	}
	// The code itself only travels through the CodeSender.
	writeJSON(w, http.StatusAccepted, verificationCodeResponse{DeviceID: code.DeviceID, ExpiresAt: code.ExpiresAt})
}

func (h *Handler) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req verifyDeviceRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.devices.Verify(r.Context(), p.UserID, id, req.Code, h.now()); err != nil {
		writeServiceError(w, h.log, "device.verify", err)
		return
	}
	d, err := h.devices.Get(r.Context(), p.UserID, id)
	if err != nil {
		writeServiceError(w, h.log, "device.verify", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleRevokeDeviceSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")
	if _, err := h.devices.Get(r.Context(), p.UserID, id); err != nil {
		writeServiceError(w, h.log, "device.revoke_sessions", err)
		return
	}
	affected, err := h.sessions.RevokeDeviceSessions(r.Context(), p.UserID, id, "user:"+p.UserID)
	if err != nil {
		writeServiceError(w, h.log, "device.revoke_sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, removeDeviceResponse{DeviceID: id, AffectedSessions: orEmpty(affected)})
}

func (h *Handler) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id := chi.URLParam(r, "id")
	cascade, err := parseBool(r.URL.Query().Get("cascade"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "cascade must be a boolean")
		return
	}
	affected, err := h.devices.Remove(r.Context(), p.UserID, id, cascade)
	if err != nil {
		writeServiceError(w, h.log, "device.remove", err)
		return
	}
	writeJSON(w, http.StatusOK, removeDeviceResponse{DeviceID: id, AffectedSessions: orEmpty(affected)})
}

// ---- pending invalidations ----

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	h.writePending(w, r, p.UserID)
}

func (h *Handler) writePending(w http.ResponseWriter, r *http.Request, userID string) {
	out, err := h.sessions.ListPending(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.log, "invalidation.list", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[session.Pending]{Items: out})
}

func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req scheduleRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	// Users may only schedule against themselves, as themselves.
	req.Trigger = string(session.TriggerUser)
	h.schedule(w, r, req.toSchedule(p.UserID, session.TriggerUser, "user:"+p.UserID))
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request, sr session.ScheduleRequest) {
	pending, err := h.sessions.ScheduleInvalidation(r.Context(), sr, h.now())
	if err != nil {
		writeServiceError(w, h.log, "invalidation.schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, pending)
}

func (h *Handler) handleDelay(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req delayRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	pending, err := h.sessions.DelayInvalidation(r.Context(), p.UserID, chi.URLParam(r, "id"), time.Duration(req.ExtendSeconds)*time.Second)
	if err != nil {
		writeServiceError(w, h.log, "invalidation.delay", err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	h.execute(w, r, p.UserID, "user:"+p.UserID)
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, userID, triggeredBy string) {
	ev, err := h.sessions.ExecuteNow(r.Context(), userID, chi.URLParam(r, "id"), triggeredBy, h.now())
	if err != nil {
		writeServiceError(w, h.log, "invalidation.execute", err)
		return
	}
	writeJSON(w, http.StatusOK, invalidatedResponse{Event: ev})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	h.cancel(w, r, p.UserID)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, userID string) {
	pending, err := h.sessions.CancelInvalidation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.log, "invalidation.cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	out, err := h.sessions.History(r.Context(), p.UserID, session.Page(page))
	if err != nil {
		writeServiceError(w, h.log, "invalidation.history", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[session.Event]{Items: out, Limit: page.Limit, Offset: page.Offset})
}

// ---- rate limit ----

func (h *Handler) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	req := ratelimit.Request{
		Class:  ratelimit.ClassAPI,
		UserID: p.UserID,
		IP:     ipString(clientIP(r, h.cfg.TrustProxy)),
		Admin:  p.IsAdmin(),
	}
	d, err := h.limiter.Status(r.Context(), req, h.now())
	if err != nil {
		writeServiceError(w, h.log, "ratelimit.status", err)
		return
	}
	ratelimit.WriteHeaders(w.Header(), d)
	writeJSON(w, http.StatusOK, rateLimitResponse{
		Class:     d.Class.String(),
		Limit:     d.Limit,
		Remaining: d.Remaining,
		Reset:     d.Reset,
		Blocked:   !d.Allowed,
	})
}

// ---- helpers ----

type page struct {
	Limit  int
	Offset int
}

func parsePage(w http.ResponseWriter, r *http.Request) (page, bool) {
	q := r.URL.Query()
	var p page
	for _, f := range []struct {
		name string
		dst  *int
	}{{"limit", &p.Limit}, {"offset", &p.Offset}} {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", f.name+" must be a non-negative integer")
			return page{}, false
		}
		*f.dst = n
	}
	return p, true
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

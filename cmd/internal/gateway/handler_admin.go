package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
)

func adminActor(p Principal) string { return "admin:" + p.UserID }

// handleAdminBumpVersion invalidates every outstanding access credential of a
// user after a permission change. Sessions stay alive and pick up the new
// version on their next refresh.
func (h *Handler) handleAdminBumpVersion(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	userID := chi.URLParam(r, "id")

	var req bumpVersionRequest
	if !h.bind(w, r, &req, true) {
		return
	}
	bumped, err := h.sessions.BumpVersion(r.Context(), userID, req.ExcludeSessionID, req.Permissions, adminActor(p))
	if err != nil {
		writeServiceError(w, h.log, "admin.session_version", err)
		return
	}
	h.log.Info("admin.session_version.bumped", "admin_id", p.UserID, "user_id", userID, "sessions", len(bumped))
	writeJSON(w, http.StatusOK, bumpVersionResponse{UserID: userID, Sessions: orEmpty(bumped)})
}

func (h *Handler) handleAdminSchedule(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req scheduleRequest
	if !h.bind(w, r, &req, false) {
		return
	}
	h.schedule(w, r, req.toSchedule(chi.URLParam(r, "id"), session.TriggerAdmin, adminActor(p)))
}

func (h *Handler) handleAdminListPending(w http.ResponseWriter, r *http.Request) {
	h.writePending(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) handleAdminRevokeAll(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	userID := chi.URLParam(r, "id")
	ev, err := h.sessions.InvalidateAll(r.Context(), userID, false, "", adminActor(p), h.now())
	if err != nil {
		writeServiceError(w, h.log, "admin.revoke_all", err)
		return
	}
	h.log.Info("admin.sessions.revoked", "admin_id", p.UserID, "user_id", userID, "sessions", len(ev.AffectedSessions))
	writeJSON(w, http.StatusOK, invalidatedResponse{Event: ev})
}

// Admin actions on a pending invalidation are not scoped to one user.

func (h *Handler) handleAdminExecute(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	h.execute(w, r, "", adminActor(p))
}

func (h *Handler) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, "")
}

package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/solarwatch/flarealert/internal/controlplane/auth"
	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
)

// ── Notification history ─────────────────────────────────────

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := notifications.Filter{
		UserID:   auth.SubjectFromContext(r.Context()),
		ConfigID: q.Get("config_id"),
		Status:   notifications.Status(q.Get("status")),
	}
	switch f.Status {
	case "", notifications.StatusPending, notifications.StatusSending, notifications.StatusDelivered, notifications.StatusFailed:
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unknown status "+strconv.Quote(string(f.Status)))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	list, err := s.notifyStore.List(r.Context(), f)
	if err != nil {
		s.writeNotificationError(w, err)
		return
	}
	if list == nil {
		list = []notifications.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	n, ok := s.ownedNotification(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleRequeueNotification(w http.ResponseWriter, r *http.Request) {
	n, ok := s.ownedNotification(w, r)
	if !ok {
		return
	}
	requeued, err := s.dispatcher.Requeue(r.Context(), n.ID)
	if err != nil {
		s.writeNotificationError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, requeued)
}

func (s *Server) ownedNotification(w http.ResponseWriter, r *http.Request) (notifications.Notification, bool) {
	n, err := s.notifyStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && n.UserID != auth.SubjectFromContext(r.Context()) {
		err = notifications.ErrNotFound
	}
	if err != nil {
		s.writeNotificationError(w, err)
		return notifications.Notification{}, false
	}
	return n, true
}

func (s *Server) writeNotificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notifications.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "notification not found")
	case errors.Is(err, notifications.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, "not_failed", err.Error())
	default:
		s.logger.Error("notification store error", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

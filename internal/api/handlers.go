// Package api provides HTTP handlers for SendPipe endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sendpipe/internal/cache"
	"sendpipe/internal/models"
	"sendpipe/internal/session"
	"sendpipe/internal/store"
)

// DefaultListLimit bounds list responses when no limit parameter is given.
const DefaultListLimit = 50

func (s *Server) scheduleMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.scheduleMessageHandler: processing schedule request", "method", r.Method, "path", r.URL.Path)

	var req models.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.scheduleMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// Validate and canonicalize the recipient before anything is persisted.
	canonical, err := models.CanonicalizePhone(req.Phone)
	if err != nil {
		slog.Warn("Server.scheduleMessageHandler: recipient validation failed", "error", err, "original_phone", req.Phone)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	req.Phone = canonical

	if err := req.Validate(); err != nil {
		slog.Warn("Server.scheduleMessageHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	// A validated request with no content carries a compose spec; generate
	// the content now so a generation failure surfaces to the caller and
	// nothing reaches the store.
	content := req.Content
	if content == "" {
		if s.composer == nil {
			slog.Warn("Server.scheduleMessageHandler: compose requested but no composer configured", "user_id", req.UserID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Content composition not configured"))
			return
		}
		content, err = s.composer.Compose(r.Context(), *req.Compose)
		if err != nil {
			slog.Error("Server.scheduleMessageHandler: failed to compose message content", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compose message content"))
			return
		}
	}

	msg, err := s.store.CreateMessage(models.Message{
		UserID:      req.UserID,
		ContactName: req.ContactName,
		Phone:       req.Phone,
		Content:     content,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		slog.Error("Server.scheduleMessageHandler: failed to persist message", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to schedule message"))
		return
	}

	// Nudge the scheduler so an already-due message does not wait out a full
	// poll interval. The next tick would pick it up regardless.
	s.sched.Schedule(msg)

	slog.Info("Server.scheduleMessageHandler: message scheduled", "id", msg.ID, "user_id", msg.UserID, "scheduled_at", msg.ScheduledAt)
	writeJSONResponse(w, http.StatusCreated, models.Scheduled(msg))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.listMessagesHandler: processing list request", "method", r.Method, "path", r.URL.Path)

	filter := store.MessageFilter{
		UserID: r.URL.Query().Get("user_id"),
		Limit:  parseIntParam(r.URL.Query().Get("limit"), DefaultListLimit),
		Offset: parseIntParam(r.URL.Query().Get("offset"), 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseMessageStatus(raw)
		if err != nil {
			slog.Warn("Server.listMessagesHandler: invalid status filter", "status", raw)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		filter.Status = status
	}

	msgs, err := s.store.ListMessages(filter)
	if err != nil {
		slog.Error("Server.listMessagesHandler: failed to list messages", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch messages"))
		return
	}
	slog.Debug("Server.listMessagesHandler: messages fetched", "count", len(msgs))
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// getMessageHandler serves message status lookups, reading through the cache
// when one is configured. Terminal outcomes found in the store are backfilled
// so repeated polling stops hitting the store.
func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	slog.Debug("Server.getMessageHandler: processing status request", "id", id)

	if s.cache != nil {
		msg, err := s.cache.GetMessage(r.Context(), id)
		if err == nil {
			slog.Debug("Server.getMessageHandler: cache hit", "id", id, "status", msg.Status)
			writeJSONResponse(w, http.StatusOK, models.Success(msg))
			return
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			slog.Warn("Server.getMessageHandler: cache read failed", "error", err, "id", id)
		}
	}

	msg, err := s.store.GetMessage(id)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
			return
		}
		slog.Error("Server.getMessageHandler: failed to fetch message", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch message"))
		return
	}

	if s.cache != nil && models.IsTerminal(msg.Status) {
		if err := s.cache.StoreMessage(r.Context(), *msg); err != nil {
			slog.Debug("Server.getMessageHandler: cache backfill failed", "error", err, "id", id)
		}
	}

	writeJSONResponse(w, http.StatusOK, models.Success(msg))
}

// cancelMessageHandler cancels a scheduled message. The conditional store
// update is the source of truth: only a message still in scheduled status can
// be canceled, and one already picked up for delivery is a conflict.
func (s *Server) cancelMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	slog.Debug("Server.cancelMessageHandler: processing cancel request", "id", id)

	err := s.store.UpdateMessageStatus(id, models.MessageStatusCanceled, "")
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Message not found"))
		return
	case errors.Is(err, store.ErrInvalidTransition):
		slog.Warn("Server.cancelMessageHandler: message no longer cancelable", "id", id)
		writeJSONResponse(w, http.StatusConflict, models.Error("Message is no longer scheduled"))
		return
	case err != nil:
		slog.Error("Server.cancelMessageHandler: failed to cancel message", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel message"))
		return
	}

	// Clear any leftover in-flight marker. An attempt already under way is
	// not aborted.
	s.sched.Cancel(id)

	slog.Info("Server.cancelMessageHandler: message canceled", "id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message canceled", nil))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	slog.Debug("Server.getSessionHandler: processing session info request", "user_id", userID)
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessions.Info(userID)))
}

func (s *Server) revokeSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	slog.Debug("Server.revokeSessionHandler: processing revoke request", "user_id", userID)

	err := s.sessions.Revoke(r.Context(), userID)
	switch {
	case errors.Is(err, session.ErrInvalidUserID):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	case err != nil:
		// The pool entry is gone either way; only the remote logout failed.
		slog.Error("Server.revokeSessionHandler: revocation incomplete", "error", err, "user_id", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to revoke session"))
		return
	}

	slog.Info("Server.revokeSessionHandler: session revoked", "user_id", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session revoked", nil))
}

func (s *Server) schedulerStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.sched.Status()))
}

func (s *Server) schedulerStartHandler(w http.ResponseWriter, r *http.Request) {
	if s.sched.Start() {
		slog.Info("Server.schedulerStartHandler: scheduler started")
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sched.Status()))
}

func (s *Server) schedulerStopHandler(w http.ResponseWriter, r *http.Request) {
	if s.sched.Stop() {
		slog.Info("Server.schedulerStopHandler: scheduler stopped")
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sched.Status()))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":            "healthy",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"scheduler_running": s.sched.IsRunning(),
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}

// parseIntParam parses a numeric query parameter, falling back to def when
// the value is missing, malformed, or negative.
func parseIntParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

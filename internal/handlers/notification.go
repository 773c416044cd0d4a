package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/authz"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/notification"
	"github.com/stanstork/gatherly/internal/repository"
)

type NotificationHandler struct {
	service notification.Service
	logger  zerolog.Logger
}

func NewNotificationHandler(service notification.Service, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("handler", "notification").Logger(),
	}
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	notifications, err := h.service.ListRecent(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list notifications")
		writeFail(w, http.StatusInternalServerError, "Failed to list notifications")
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	writeOK(w, http.StatusOK, "", map[string]interface{}{
		"notifications": notifications,
	})
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)

	notifID, ok := pathInt64(r, "notificationID")
	if !ok {
		writeFail(w, http.StatusBadRequest, "Notification ID is required")
		return
	}

	notif, err := h.service.MarkRead(r.Context(), userID, notifID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeFail(w, http.StatusNotFound, "Notification not found")
			return
		}
		h.logger.Error().Err(err).Int64("notification_id", notifID).Msg("failed to mark notification as read")
		writeFail(w, http.StatusInternalServerError, "Failed to update notification")
		return
	}

	writeOK(w, http.StatusOK, "", map[string]interface{}{"notification": notif})
}

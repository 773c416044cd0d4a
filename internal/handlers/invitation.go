package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/authz"
	"github.com/stanstork/gatherly/internal/invitation"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/nonce"
	"github.com/stanstork/gatherly/internal/repository"
)

type InvitationHandler struct {
	svc    *invitation.Service
	bulk   *invitation.BlueskyBulk
	gate   *nonceGate
	logger zerolog.Logger
}

type inviteRequest struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
}

type nonceRequest struct {
	Nonce string `json:"nonce"`
}

type bulkInviteRequest struct {
	Handles []string `json:"handles"`
	Message string   `json:"message"`
	Nonce   string   `json:"nonce"`
}

func NewInvitationHandler(svc *invitation.Service, bulk *invitation.BlueskyBulk, guard *nonce.Guard, logger zerolog.Logger) *InvitationHandler {
	logger = logger.With().Str("handler", "invitation").Logger()
	return &InvitationHandler{svc: svc, bulk: bulk, gate: newNonceGate(guard, logger), logger: logger}
}

// Create handles POST /api/{entityType}/{entityID}/invitations.
func (h *InvitationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)
	entityType, entityID, ok := pathEntity(r)
	if !ok {
		writeFail(w, http.StatusNotFound, "Not found")
		return
	}
	var req inviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	scope := entityScope(entityType)
	if !h.gate.allow(w, r, scope, entityID, req.Nonce) {
		return
	}

	ch, err := models.ParseChannel(req.Channel)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Errors: map[string]string{"channel": "unsupported channel"}})
		return
	}

	res, err := h.svc.Invite(r.Context(), invitation.InviteRequest{
		EntityType: entityType,
		EntityID:   entityID,
		Recipient:  req.Recipient,
		Channel:    ch,
		InviterID:  userID,
		Message:    req.Message,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}

	data := map[string]interface{}{
		"invitation": res.Invitation,
		"created":    res.Created,
		"url":        res.URL,
		"nonce":      h.gate.rotate(r, scope, entityID, req.Nonce),
	}
	switch {
	case res.Warning != nil:
		writeOK(w, http.StatusCreated, fmt.Sprintf("Invitation saved, but delivery failed: %s. You can resend it later.", res.Warning.Reason), data)
	case !res.Created:
		writeOK(w, http.StatusOK, "This person has already been invited", data)
	default:
		writeOK(w, http.StatusCreated, "Invitation sent", data)
	}
}

// List handles GET /api/{entityType}/{entityID}/invitations?status=&channel=.
func (h *InvitationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)
	entityType, entityID, ok := pathEntity(r)
	if !ok {
		writeFail(w, http.StatusNotFound, "Not found")
		return
	}

	var filter repository.InvitationFilter
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := models.ParseInvitationStatus(part)
			if err != nil {
				writeFail(w, http.StatusBadRequest, "Unknown status filter")
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("channel")); raw != "" {
		ch, err := models.ParseChannel(raw)
		if err != nil {
			writeFail(w, http.StatusBadRequest, "Unknown channel filter")
			return
		}
		filter.Channel = ch
	}

	invitations, err := h.svc.List(r.Context(), entityType, entityID, userID, filter)
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}
	if invitations == nil {
		invitations = []models.Invitation{}
	}
	writeOK(w, http.StatusOK, "", map[string]interface{}{"invitations": invitations})
}

// Resend handles POST .../invitations/{invitationID}/resend.
func (h *InvitationHandler) Resend(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(invitationID, userID int64) (bool, error) {
		return h.svc.Resend(r.Context(), invitationID, userID)
	}, "Invitation resent")
}

// Cancel handles DELETE .../invitations/{invitationID}.
func (h *InvitationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, func(invitationID, userID int64) (bool, error) {
		return h.svc.Cancel(r.Context(), invitationID, userID)
	}, "Invitation cancelled")
}

func (h *InvitationHandler) mutate(w http.ResponseWriter, r *http.Request, action func(invitationID, userID int64) (bool, error), okMessage string) {
	userID, _ := authz.UserIDFromRequest(r)
	entityType, entityID, ok := pathEntity(r)
	invitationID, idOK := pathInt64(r, "invitationID")
	if !ok || !idOK {
		writeFail(w, http.StatusNotFound, "Not found")
		return
	}
	var req nonceRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeFail(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	scope := entityScope(entityType)
	if !h.gate.allow(w, r, scope, entityID, req.Nonce) {
		return
	}

	done, err := action(invitationID, userID)
	data := map[string]interface{}{"nonce": h.gate.rotate(r, scope, entityID, req.Nonce)}

	var derr *invitation.DeliveryError
	switch {
	case errors.As(err, &derr):
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: fmt.Sprintf("Delivery failed: %s", derr.Reason), Data: data})
	case err != nil:
		writeServiceError(w, h.logger, err, data)
	case !done:
		writeJSON(w, http.StatusConflict, envelope{Success: false, Message: "This invitation has already been resolved", Data: data})
	default:
		writeOK(w, http.StatusOK, okMessage, data)
	}
}

// BulkBluesky handles POST /api/invitations/bluesky/{entityType}/{entityID}.
func (h *InvitationHandler) BulkBluesky(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)
	entityType, entityID, ok := pathEntity(r)
	if !ok {
		writeFail(w, http.StatusNotFound, "Not found")
		return
	}
	var req bulkInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.gate.allow(w, r, nonce.ScopeBluesky, entityID, req.Nonce) {
		return
	}

	res, err := h.bulk.InviteFollowers(r.Context(), invitation.BulkRequest{
		EntityType: entityType,
		EntityID:   entityID,
		InviterID:  userID,
		Handles:    req.Handles,
		Message:    req.Message,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}

	message := fmt.Sprintf("%d sent, %d failed, %d skipped", res.Sent, res.Failed, res.Skipped)
	writeOK(w, http.StatusOK, message, map[string]interface{}{
		"sent":    res.Sent,
		"failed":  res.Failed,
		"skipped": res.Skipped,
		"errors":  res.Errors,
		"nonce":   h.gate.rotate(r, nonce.ScopeBluesky, entityID, req.Nonce),
	})
}

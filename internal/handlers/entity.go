package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/authz"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/nonce"
	"github.com/stanstork/gatherly/internal/repository"
	"github.com/stanstork/gatherly/internal/roster"
)

type EntityHandler struct {
	store      *repository.Store
	reconciler *roster.Reconciler
	gate       *nonceGate
	logger     zerolog.Logger
}

type createEventRequest struct {
	Title       string    `json:"title"`
	StartsAt    time.Time `json:"starts_at"`
	CommunityID *int64    `json:"community_id"`
	Nonce       string    `json:"nonce"`
}

type createCommunityRequest struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Nonce string `json:"nonce"`
}

func NewEntityHandler(store *repository.Store, reconciler *roster.Reconciler, guard *nonce.Guard, logger zerolog.Logger) *EntityHandler {
	logger = logger.With().Str("handler", "entity").Logger()
	return &EntityHandler{store: store, reconciler: reconciler, gate: newNonceGate(guard, logger), logger: logger}
}

func (h *EntityHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)
	var req createEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.gate.allow(w, r, nonce.ScopeAccount, 0, req.Nonce) {
		return
	}
	if strings.TrimSpace(req.Title) == "" || req.StartsAt.IsZero() {
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Errors: map[string]string{"title": "required", "starts_at": "required"}})
		return
	}
	if req.CommunityID != nil {
		community, err := h.store.Entities.GetCommunity(r.Context(), *req.CommunityID)
		if err != nil || community.OwnerID != userID {
			writeFail(w, http.StatusForbidden, "You cannot add events to this community")
			return
		}
	}

	event, err := h.store.Entities.CreateEvent(r.Context(), repository.CreateEventParams{
		OwnerID:     userID,
		CommunityID: req.CommunityID,
		Title:       req.Title,
		StartsAt:    req.StartsAt,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusCreated, "", map[string]interface{}{
		"event": event,
		"nonce": h.gate.rotate(r, nonce.ScopeAccount, 0, req.Nonce),
	})
}

func (h *EntityHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "entityID")
	if !ok {
		writeFail(w, http.StatusBadRequest, "Invalid event id")
		return
	}
	event, err := h.store.Entities.GetEvent(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeFail(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, "", map[string]interface{}{"event": event})
}

// CreateCommunity creates a public community or a private circle and makes
// the caller its owner.
func (h *EntityHandler) CreateCommunity(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)
	var req createCommunityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.gate.allow(w, r, nonce.ScopeAccount, 0, req.Nonce) {
		return
	}

	kind := models.CommunityKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = models.CommunityPublic
	}
	if !kind.IsValid() || kind == models.CommunityPersonal {
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Errors: map[string]string{"kind": "must be public or circle"}})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Errors: map[string]string{"name": "required"}})
		return
	}

	var community models.Community
	err := h.store.WithTx(r.Context(), func(repos repository.Repositories) error {
		var err error
		community, err = repos.Entities.CreateCommunity(r.Context(), userID, req.Name, kind)
		if err != nil {
			return err
		}
		_, err = h.reconciler.SeedOwner(r.Context(), repos, models.EntityCommunity, community.ID, userID)
		return err
	})
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusCreated, "", map[string]interface{}{
		"community": community,
		"nonce":     h.gate.rotate(r, nonce.ScopeAccount, 0, req.Nonce),
	})
}

func (h *EntityHandler) GetCommunity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "entityID")
	if !ok {
		writeFail(w, http.StatusBadRequest, "Invalid community id")
		return
	}
	community, err := h.store.Entities.GetCommunity(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeFail(w, http.StatusNotFound, "Community not found")
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}
	count, err := h.store.Memberships.CountActive(r.Context(), models.EntityCommunity, id)
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}
	writeOK(w, http.StatusOK, "", map[string]interface{}{"community": community, "member_count": count})
}

func (h *EntityHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "entityID")
	if !ok {
		writeFail(w, http.StatusBadRequest, "Invalid community id")
		return
	}
	if _, err := h.store.Entities.GetCommunity(r.Context(), id); errors.Is(err, repository.ErrNotFound) {
		writeFail(w, http.StatusNotFound, "Community not found")
		return
	}
	members, err := h.store.Memberships.ListForEntity(r.Context(), models.EntityCommunity, id)
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}
	if members == nil {
		members = []models.Membership{}
	}
	writeOK(w, http.StatusOK, "", map[string]interface{}{"members": members})
}

package handlers

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/authz"
	"github.com/stanstork/gatherly/internal/bluesky"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/nonce"
)

type BlueskyHandler struct {
	svc    *bluesky.Service
	gate   *nonceGate
	logger zerolog.Logger
}

type connectBlueskyRequest struct {
	Handle string `json:"handle"`
	Secret string `json:"secret"`
	Nonce  string `json:"nonce"`
}

func NewBlueskyHandler(svc *bluesky.Service, guard *nonce.Guard, logger zerolog.Logger) *BlueskyHandler {
	logger = logger.With().Str("handler", "bluesky").Logger()
	return &BlueskyHandler{svc: svc, gate: newNonceGate(guard, logger), logger: logger}
}

// Connect handles POST /api/bluesky/connect.
func (h *BlueskyHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)
	var req connectBlueskyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.gate.allow(w, r, nonce.ScopeBluesky, 0, req.Nonce) {
		return
	}

	account, err := h.svc.Connect(r.Context(), userID, req.Handle, req.Secret)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Bluesky account connected", map[string]interface{}{
		"handle":    account.Handle,
		"did":       account.DID,
		"auth_mode": account.AuthMode,
		"nonce":     h.gate.rotate(r, nonce.ScopeBluesky, 0, req.Nonce),
	})
}

// Sync handles POST /api/bluesky/followers/sync.
func (h *BlueskyHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)
	var req nonceRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeFail(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if !h.gate.allow(w, r, nonce.ScopeBluesky, 0, req.Nonce) {
		return
	}

	count, err := h.svc.SyncFollowers(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Followers synced", map[string]interface{}{
		"count": count,
		"nonce": h.gate.rotate(r, nonce.ScopeBluesky, 0, req.Nonce),
	})
}

// Followers handles GET /api/bluesky/followers.
func (h *BlueskyHandler) Followers(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)
	followers, err := h.svc.ListFollowers(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if followers == nil {
		followers = []models.Follower{}
	}
	writeOK(w, http.StatusOK, "", map[string]interface{}{"followers": followers})
}

func (h *BlueskyHandler) writeError(w http.ResponseWriter, err error) {
	var apiErr *bluesky.APIError
	switch {
	case errors.Is(err, bluesky.ErrInvalidHandle):
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Errors: map[string]string{"handle": "not a valid Bluesky handle"}})
	case errors.Is(err, bluesky.ErrNotConnected):
		writeFail(w, http.StatusConflict, "Connect a Bluesky account first")
	case errors.As(err, &apiErr):
		h.logger.Warn().Err(err).Msg("bluesky request rejected")
		writeFail(w, http.StatusBadGateway, "Bluesky rejected the request: "+apiErr.Code)
	default:
		writeServiceError(w, h.logger, err, nil)
	}
}

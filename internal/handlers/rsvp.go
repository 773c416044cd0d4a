package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/authz"
	"github.com/stanstork/gatherly/internal/invitation"
)

// RSVPHandler serves the link recipients follow. The token itself is the
// credential, so no nonce or login is needed.
type RSVPHandler struct {
	svc    *invitation.Service
	logger zerolog.Logger
}

func NewRSVPHandler(svc *invitation.Service, logger zerolog.Logger) *RSVPHandler {
	return &RSVPHandler{svc: svc, logger: logger.With().Str("handler", "rsvp").Logger()}
}

// Respond handles GET /rsvp/{token}. Without an rsvp parameter it only
// previews the invitation.
func (h *RSVPHandler) Respond(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	var responder invitation.Responder
	if userID, ok := authz.UserIDFromRequest(r); ok {
		responder.UserID = &userID
	}

	var (
		res invitation.ResponseResult
		err error
	)
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("rsvp"))) {
	case "":
		preview, err := h.svc.Preview(r.Context(), token)
		if err != nil {
			writeServiceError(w, h.logger, err, nil)
			return
		}
		writeOK(w, http.StatusOK, "", map[string]interface{}{
			"invitation": preview.Invitation,
			"entity":     preview.Entity,
			"inviter":    preview.Inviter,
		})
		return
	case "yes":
		res, err = h.svc.Accept(r.Context(), token, responder)
	case "no":
		res, err = h.svc.Decline(r.Context(), token, responder)
	default:
		writeFail(w, http.StatusBadRequest, "rsvp must be yes or no")
		return
	}
	if err != nil {
		writeServiceError(w, h.logger, err, nil)
		return
	}

	data := map[string]interface{}{
		"invitation": res.Invitation,
		"entity":     res.Entity,
		"outcome":    res.Outcome,
	}
	if res.Roster != nil {
		data["roster"] = res.Roster
	}
	writeOK(w, http.StatusOK, outcomeMessage(res.Outcome), data)
}

func outcomeMessage(o invitation.Outcome) string {
	switch o {
	case invitation.OutcomeConfirmed:
		return "You're in! See you there."
	case invitation.OutcomeAlreadyConfirmed:
		return "You have already accepted this invitation."
	case invitation.OutcomeDeclined:
		return "Thanks for letting us know."
	case invitation.OutcomeAlreadyDeclined:
		return "You have already declined this invitation."
	}
	return ""
}

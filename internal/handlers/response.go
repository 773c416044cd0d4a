package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/invitation"
	"github.com/stanstork/gatherly/internal/models"
)

type envelope struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Errors  map[string]string      `json:"errors,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, message string, data map[string]interface{}) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

// writeServiceError turns invitation and storage errors into responses.
// Anything unrecognised is logged and answered with a generic 500.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error, data map[string]interface{}) {
	var verr *invitation.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Message: "Please correct the highlighted fields", Errors: verr.Fields, Data: data})
	case errors.Is(err, invitation.ErrForbidden):
		writeJSON(w, http.StatusForbidden, envelope{Success: false, Message: "You are not allowed to do that", Data: data})
	case errors.Is(err, invitation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Success: false, Message: "This invitation is unavailable", Data: data})
	case errors.Is(err, invitation.ErrAlreadyResolved):
		writeJSON(w, http.StatusConflict, envelope{Success: false, Message: "This invitation has already been answered", Data: data})
	default:
		logger.Error().Err(err).Msg("request failed")
		writeFail(w, http.StatusInternalServerError, "Something went wrong, please try again")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func pathInt64(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(mux.Vars(r)[name]), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pathEntity(r *http.Request) (models.EntityType, int64, bool) {
	entityType, err := models.ParseEntityType(mux.Vars(r)["entityType"])
	if err != nil {
		return "", 0, false
	}
	id, ok := pathInt64(r, "entityID")
	return entityType, id, ok
}

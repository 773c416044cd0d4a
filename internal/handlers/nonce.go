package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/nonce"
)

// nonceGate checks the action token on mutating requests and hands out the
// replacement once the action succeeded.
type nonceGate struct {
	guard  *nonce.Guard
	logger zerolog.Logger
}

func newNonceGate(guard *nonce.Guard, logger zerolog.Logger) *nonceGate {
	return &nonceGate{guard: guard, logger: logger}
}

// allow writes a 403 and returns false unless token is valid.
func (g *nonceGate) allow(w http.ResponseWriter, r *http.Request, scope nonce.Scope, subjectID int64, token string) bool {
	if g.guard.Validate(r.Context(), scope, subjectID, nonceFromRequest(r, token)) {
		return true
	}
	writeFail(w, http.StatusForbidden, "Your session expired, please reload the page")
	return false
}

// rotate returns the next nonce, or an empty string if none could be issued.
func (g *nonceGate) rotate(r *http.Request, scope nonce.Scope, subjectID int64, spent string) string {
	next, err := g.guard.Rotate(r.Context(), scope, subjectID, nonceFromRequest(r, spent))
	if err != nil {
		g.logger.Warn().Err(err).Str("scope", string(scope)).Msg("failed to rotate nonce")
		return ""
	}
	return next
}

// nonceFromRequest prefers the value from the JSON body and falls back to
// the query string.
func nonceFromRequest(r *http.Request, fromBody string) string {
	if fromBody = strings.TrimSpace(fromBody); fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.URL.Query().Get("nonce"))
}

func entityScope(t models.EntityType) nonce.Scope {
	if t == models.EntityCommunity {
		return nonce.ScopeCommunity
	}
	return nonce.ScopeEvent
}

type NonceHandler struct {
	guard  *nonce.Guard
	logger zerolog.Logger
}

func NewNonceHandler(guard *nonce.Guard, logger zerolog.Logger) *NonceHandler {
	return &NonceHandler{guard: guard, logger: logger.With().Str("handler", "nonce").Logger()}
}

// Issue handles GET /api/nonce?scope=&subject=.
func (h *NonceHandler) Issue(w http.ResponseWriter, r *http.Request) {
	scope, err := nonce.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, "Unknown nonce scope")
		return
	}
	var subject int64
	if raw := strings.TrimSpace(r.URL.Query().Get("subject")); raw != "" {
		subject, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || subject < 0 {
			writeFail(w, http.StatusBadRequest, "Invalid subject")
			return
		}
	}

	token, err := h.guard.Issue(r.Context(), scope, subject)
	if err != nil {
		h.logger.Error().Err(err).Str("scope", string(scope)).Msg("failed to issue nonce")
		writeFail(w, http.StatusInternalServerError, "Could not issue nonce")
		return
	}
	writeOK(w, http.StatusOK, "", map[string]interface{}{
		"nonce":      token,
		"expires_in": int64(h.guard.TTL().Seconds()),
	})
}

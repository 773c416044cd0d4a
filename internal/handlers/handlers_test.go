package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/authz"
	"github.com/stanstork/gatherly/internal/invitation"
	"github.com/stanstork/gatherly/internal/nonce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withIdentity(r *http.Request) *http.Request {
	return r.WithContext(authz.WithIdentity(r.Context(), authz.Identity{UserID: 7, SessionID: "sess-1"}))
}

func TestNonceHandlerIssue(t *testing.T) {
	guard := nonce.NewGuard(nonce.NewLocalBackend(0))
	h := NewNonceHandler(guard, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.Issue(rec, withIdentity(httptest.NewRequest(http.MethodGet, "/api/nonce?scope=event&subject=3", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	token, _ := body.Data["nonce"].(string)
	require.NotEmpty(t, token)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/?nonce="+token, nil))
	assert.True(t, guard.Validate(req.Context(), nonce.ScopeEvent, 3, nonceFromRequest(req, "")))
	assert.False(t, guard.Validate(req.Context(), nonce.ScopeEvent, 4, token))

	rec = httptest.NewRecorder()
	h.Issue(rec, withIdentity(httptest.NewRequest(http.MethodGet, "/api/nonce?scope=galaxy", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Issue(rec, withIdentity(httptest.NewRequest(http.MethodGet, "/api/nonce?scope=event&subject=-1", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNonceGateRejectsMissingToken(t *testing.T) {
	gate := newNonceGate(nonce.NewGuard(nonce.NewLocalBackend(0)), zerolog.Nop())
	rec := httptest.NewRecorder()
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/", nil))

	assert.False(t, gate.allow(rec, req, nonce.ScopeCommunity, 1, ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNonceFromRequestPrefersBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/?nonce=from-query", nil)
	assert.Equal(t, "from-body", nonceFromRequest(req, " from-body "))
	assert.Equal(t, "from-query", nonceFromRequest(req, ""))
}

func TestWriteServiceError(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&invitation.ValidationError{Fields: map[string]string{"recipient": "bad"}}, http.StatusUnprocessableEntity},
		{invitation.ErrForbidden, http.StatusForbidden},
		{invitation.ErrNotFound, http.StatusNotFound},
		{invitation.ErrAlreadyResolved, http.StatusConflict},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeServiceError(rec, zerolog.Nop(), tc.err, nil)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())

		var body envelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Success)
	}
}

func TestOutcomeMessage(t *testing.T) {
	assert.NotEmpty(t, outcomeMessage(invitation.OutcomeConfirmed))
	assert.NotEqual(t, outcomeMessage(invitation.OutcomeDeclined), outcomeMessage(invitation.OutcomeAlreadyDeclined))
	assert.Empty(t, outcomeMessage(invitation.Outcome("unknown")))
}

func TestVerificationTokenRoundTrip(t *testing.T) {
	h := NewAuthHandler(nil, nil, "secret", zerolog.Nop())

	token, err := h.IssueVerificationToken(9, "ana@example.com")
	require.NoError(t, err)
	userID, email, err := h.parseVerificationToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(9), userID)
	assert.Equal(t, "ana@example.com", email)

	other := NewAuthHandler(nil, nil, "another-secret", zerolog.Nop())
	_, _, err = other.parseVerificationToken(token)
	assert.Error(t, err)

	session, err := h.IssueToken(9, "sess-1")
	require.NoError(t, err)
	_, _, err = h.parseVerificationToken(session)
	assert.Error(t, err)
}

func TestJWTMiddlewareRejectsVerificationToken(t *testing.T) {
	h := NewAuthHandler(nil, nil, "secret", zerolog.Nop())
	token, err := h.IssueVerificationToken(9, "ana@example.com")
	require.NoError(t, err)

	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.JWTMiddleware(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

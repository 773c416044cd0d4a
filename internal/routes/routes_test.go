package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/channel"
	"github.com/stanstork/gatherly/internal/handlers"
	"github.com/stanstork/gatherly/internal/invitation"
	"github.com/stanstork/gatherly/internal/metrics"
	"github.com/stanstork/gatherly/internal/middleware"
	"github.com/stanstork/gatherly/internal/nonce"
	"github.com/stanstork/gatherly/internal/notification"
	"github.com/stanstork/gatherly/internal/repository"
	"github.com/stanstork/gatherly/internal/roster"
	dbtest "github.com/stanstork/gatherly/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rsvpPrefix = "http://gather.test/rsvp/"

type recordingMailer struct {
	mu     sync.Mutex
	sent   []string
	bodies []string
}

func (m *recordingMailer) Send(_ context.Context, to, _, htmlBody, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to)
	m.bodies = append(m.bodies, htmlBody)
	return nil
}

// lastMatch returns the first submatch of re in the latest mail sent to to.
func (m *recordingMailer) lastMatch(t *testing.T, to string, re *regexp.Regexp) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i] != to {
			continue
		}
		match := re.FindStringSubmatch(m.bodies[i])
		require.Len(t, match, 2, m.bodies[i])
		return match[1]
	}
	require.Failf(t, "no mail", "nothing was sent to %s", to)
	return ""
}

var (
	rsvpLinkPattern   = regexp.MustCompile(regexp.QuoteMeta(rsvpPrefix) + `([A-Za-z0-9_-]+)`)
	verifyLinkPattern = regexp.MustCompile(`/verify-email\?token=([A-Za-z0-9_.-]+)`)
)

type response struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Errors  map[string]string      `json:"errors"`
	Data    map[string]interface{} `json:"data"`
}

type testServer struct {
	handler http.Handler
	store   *repository.Store
	mailer  *recordingMailer
	verify  *recordingMailer
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	db := dbtest.OpenDB(t)
	store := repository.NewStore(db)
	m := metrics.New()
	mailer := &recordingMailer{}
	verify := &recordingMailer{}

	guard := nonce.NewGuard(nonce.NewLocalBackend(0), nonce.WithRejectHook(func(scope nonce.Scope, reason string) {
		m.NonceRejected(string(scope), reason)
	}))
	reconciler := roster.NewReconciler(store, logger)
	urls := channel.NewURLBuilder(rsvpPrefix + "%s")
	registry := channel.NewRegistry(urls, channel.NewLinkAdapter(urls), channel.NewEmailAdapter(mailer, urls))
	notifications := notification.NewService(store.Notifications, logger)
	invitations := invitation.NewService(store, reconciler, registry, notifications, m, logger)

	router := NewRouter(Handlers{
		DB:            db,
		Metrics:       m,
		RateLimiter:   middleware.NewIPRateLimiter(600, 100, time.Minute),
		Auth:          handlers.NewAuthHandler(store, reconciler, "test-secret", logger,
			handlers.WithEmailVerification(verify, "http://gather.test/verify-email?token=%s")),
		Nonce:         handlers.NewNonceHandler(guard, logger),
		Entities:      handlers.NewEntityHandler(store, reconciler, guard, logger),
		Invitations:   handlers.NewInvitationHandler(invitations, invitation.NewBlueskyBulk(invitations), guard, logger),
		RSVP:          handlers.NewRSVPHandler(invitations, logger),
		Notifications: handlers.NewNotificationHandler(notifications, logger),
	})
	return &testServer{handler: middleware.LoggingMiddleware(logger, m)(router), store: store, mailer: mailer, verify: verify, metrics: m}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec.Code, resp
}

func (s *testServer) signup(t *testing.T, email string) string {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/api/signup", "", map[string]string{
		"email":        email,
		"password":     "correct-horse",
		"display_name": strings.SplitN(email, "@", 2)[0],
	})
	require.Equal(t, http.StatusCreated, code, resp.Message)
	return resp.Data["token"].(string)
}

func (s *testServer) nonce(t *testing.T, token, scope string, subject int64) string {
	t.Helper()
	code, resp := s.do(t, http.MethodGet, fmt.Sprintf("/api/nonce?scope=%s&subject=%d", scope, subject), token, nil)
	require.Equal(t, http.StatusOK, code)
	return resp.Data["nonce"].(string)
}

func (s *testServer) createEvent(t *testing.T, token string) int64 {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/api/events", token, map[string]interface{}{
		"title":     "Board games",
		"starts_at": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"nonce":     s.nonce(t, token, "account", 0),
	})
	require.Equal(t, http.StatusCreated, code, resp.Message)
	return int64(resp.Data["event"].(map[string]interface{})["id"].(float64))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAPIRequiresToken(t *testing.T) {
	s := newTestServer(t)
	code, resp := s.do(t, http.MethodGet, "/api/notifications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Success)
}

func TestSignupDuplicateAndLogin(t *testing.T) {
	s := newTestServer(t)
	s.signup(t, "hana@example.com")

	code, _ := s.do(t, http.MethodPost, "/api/signup", "", map[string]string{"email": "HANA@example.com", "password": "correct-horse"})
	assert.Equal(t, http.StatusConflict, code)

	code, resp := s.do(t, http.MethodPost, "/api/login", "", map[string]string{"email": "hana@example.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Success)

	code, resp = s.do(t, http.MethodPost, "/api/login", "", map[string]string{"email": "hana@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, resp.Data["token"])
}

func TestInvitationFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	host := s.signup(t, "host@example.com")
	eventID := s.createEvent(t, host)
	base := fmt.Sprintf("/api/events/%d/invitations", eventID)

	// invite by link
	n := s.nonce(t, host, "event", eventID)
	code, resp := s.do(t, http.MethodPost, base, host, map[string]string{"recipient": "Cousin Ola", "channel": "link", "nonce": n})
	require.Equal(t, http.StatusCreated, code, resp.Message)
	require.True(t, resp.Success)
	url := resp.Data["url"].(string)
	require.True(t, strings.HasPrefix(url, rsvpPrefix))
	rsvpToken := strings.TrimPrefix(url, rsvpPrefix)
	next := resp.Data["nonce"].(string)
	assert.NotEmpty(t, next)
	assert.NotEqual(t, n, next)

	// the spent nonce is refused
	code, resp = s.do(t, http.MethodPost, base, host, map[string]string{"recipient": "someone else", "channel": "link", "nonce": n})
	assert.Equal(t, http.StatusForbidden, code)
	assert.False(t, resp.Success)

	// invite by email with the rotated nonce
	code, resp = s.do(t, http.MethodPost, base, host, map[string]string{"recipient": "guest@example.com", "channel": "email", "nonce": next})
	require.Equal(t, http.StatusCreated, code, resp.Message)
	assert.Equal(t, []string{"guest@example.com"}, s.mailer.sent)

	// preview then accept anonymously
	code, resp = s.do(t, http.MethodGet, "/rsvp/"+rsvpToken, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", resp.Data["invitation"].(map[string]interface{})["status"])

	code, resp = s.do(t, http.MethodGet, "/rsvp/"+rsvpToken+"?rsvp=yes", "", nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, "confirmed", resp.Data["outcome"])

	code, resp = s.do(t, http.MethodGet, "/rsvp/"+rsvpToken+"?rsvp=yes", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_confirmed", resp.Data["outcome"])

	code, _ = s.do(t, http.MethodGet, "/rsvp/"+rsvpToken+"?rsvp=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = s.do(t, http.MethodGet, fmt.Sprintf("/api/events/%d", eventID), host, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, resp.Data["event"].(map[string]interface{})["guest_total"])

	// listing filters by status
	code, resp = s.do(t, http.MethodGet, base+"?status=confirmed", host, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Data["invitations"], 1)

	code, _ = s.do(t, http.MethodGet, base+"?status=bogus", host, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGuestRSVPIsClaimedOnlyAfterEmailVerification(t *testing.T) {
	s := newTestServer(t)
	host := s.signup(t, "host@example.com")
	eventID := s.createEvent(t, host)
	base := fmt.Sprintf("/api/events/%d/invitations", eventID)

	code, resp := s.do(t, http.MethodPost, base, host, map[string]string{
		"recipient": "guest@example.com", "channel": "email", "nonce": s.nonce(t, host, "event", eventID),
	})
	require.Equal(t, http.StatusCreated, code, resp.Message)
	rsvpToken := s.mailer.lastMatch(t, "guest@example.com", rsvpLinkPattern)

	code, resp = s.do(t, http.MethodGet, "/rsvp/"+rsvpToken+"?rsvp=yes", "", nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, "confirmed", resp.Data["outcome"])

	claimedBy := func() interface{} {
		code, resp := s.do(t, http.MethodGet, base+"?status=confirmed", host, nil)
		require.Equal(t, http.StatusOK, code)
		invitations := resp.Data["invitations"].([]interface{})
		require.Len(t, invitations, 1)
		return invitations[0].(map[string]interface{})["user_id"]
	}

	// signing up with the address does not prove it
	guest := s.signup(t, "guest@example.com")
	assert.Nil(t, claimedBy())

	verifyToken := s.verify.lastMatch(t, "guest@example.com", verifyLinkPattern)

	// the link token is not a session
	code, _ = s.do(t, http.MethodGet, "/api/me", verifyToken, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	// nor is a session token a verification link
	code, _ = s.do(t, http.MethodGet, "/verify-email?token="+guest, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = s.do(t, http.MethodGet, "/verify-email?token="+verifyToken, "", nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.EqualValues(t, 1, resp.Data["claimed"])
	assert.NotNil(t, claimedBy())

	code, resp = s.do(t, http.MethodGet, "/verify-email?token="+verifyToken, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, resp.Data["claimed"])

	code, resp = s.do(t, http.MethodPost, "/api/verify-email/resend", guest, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Email address already verified", resp.Message)
}

func TestResendVerificationMailsUnverifiedUser(t *testing.T) {
	s := newTestServer(t)
	token := s.signup(t, "hana@example.com")
	require.Equal(t, []string{"hana@example.com"}, s.verify.sent)

	code, resp := s.do(t, http.MethodPost, "/api/verify-email/resend", token, nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, []string{"hana@example.com", "hana@example.com"}, s.verify.sent)
}

func TestCancelTwiceReturnsConflict(t *testing.T) {
	s := newTestServer(t)
	host := s.signup(t, "host@example.com")
	eventID := s.createEvent(t, host)
	base := fmt.Sprintf("/api/events/%d/invitations", eventID)

	code, resp := s.do(t, http.MethodPost, base, host, map[string]string{"recipient": "pal", "channel": "link", "nonce": s.nonce(t, host, "event", eventID)})
	require.Equal(t, http.StatusCreated, code)
	inv := resp.Data["invitation"].(map[string]interface{})
	path := fmt.Sprintf("%s/%d", base, int64(inv["id"].(float64)))

	n := resp.Data["nonce"].(string)
	code, resp = s.do(t, http.MethodDelete, path+"?nonce="+n, host, nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.True(t, resp.Success)

	code, resp = s.do(t, http.MethodDelete, path, host, map[string]string{"nonce": resp.Data["nonce"].(string)})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Data["nonce"])

	code, resp = s.do(t, http.MethodPost, path+"/resend", host, map[string]string{"nonce": resp.Data["nonce"].(string)})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)
}

func TestOtherUserCannotInvite(t *testing.T) {
	s := newTestServer(t)
	host := s.signup(t, "host@example.com")
	stranger := s.signup(t, "stranger@example.com")
	eventID := s.createEvent(t, host)

	code, resp := s.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/invitations", eventID), stranger, map[string]string{
		"recipient": "friend@example.com",
		"channel":   "email",
		"nonce":     s.nonce(t, stranger, "event", eventID),
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.False(t, resp.Success)
	assert.Empty(t, s.mailer.sent)
}

func TestInvalidRecipientReturnsFieldErrors(t *testing.T) {
	s := newTestServer(t)
	host := s.signup(t, "host@example.com")
	eventID := s.createEvent(t, host)

	code, resp := s.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/invitations", eventID), host, map[string]string{
		"recipient": "not-an-address",
		"channel":   "email",
		"nonce":     s.nonce(t, host, "event", eventID),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, resp.Errors, "recipient")
}

func TestNonceIsBoundToSession(t *testing.T) {
	s := newTestServer(t)
	host := s.signup(t, "host@example.com")
	eventID := s.createEvent(t, host)
	n := s.nonce(t, host, "event", eventID)

	code, resp := s.do(t, http.MethodPost, "/api/login", "", map[string]string{"email": "host@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, code)
	otherSession := resp.Data["token"].(string)

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/invitations", eventID), otherSession, map[string]string{
		"recipient": "pal", "channel": "link", "nonce": n,
	})
	assert.Equal(t, http.StatusForbidden, code)
	count, err := testutil.GatherAndCount(s.metrics.Registry(), "gatherly_nonce_rejections_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUnknownRSVPTokenIsUnavailable(t *testing.T) {
	s := newTestServer(t)
	code, resp := s.do(t, http.MethodGet, "/rsvp/does-not-exist?rsvp=yes", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gatherly_http_requests_total")
}

package routes

import (
	"database/sql"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/gatherly/internal/authz"
	"github.com/stanstork/gatherly/internal/handlers"
	"github.com/stanstork/gatherly/internal/metrics"
	"github.com/stanstork/gatherly/internal/middleware"
)

// Handlers collects everything the router dispatches to. Bluesky is nil when
// the integration is disabled.
type Handlers struct {
	DB            *sql.DB
	Metrics       *metrics.Metrics
	RateLimiter   *middleware.IPRateLimiter
	Auth          *handlers.AuthHandler
	Nonce         *handlers.NonceHandler
	Entities      *handlers.EntityHandler
	Invitations   *handlers.InvitationHandler
	RSVP          *handlers.RSVPHandler
	Bluesky       *handlers.BlueskyHandler
	Notifications *handlers.NotificationHandler
}

const entityPath = "/{entityType:events|communities}/{entityID:[0-9]+}"

// NewRouter sets up the API routes
func NewRouter(h Handlers) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", handlers.HealthCheck(h.DB)).Methods(http.MethodGet)
	if h.Metrics != nil {
		router.Handle("/metrics", h.Metrics.Handler()).Methods(http.MethodGet)
	}

	limited := func(next http.HandlerFunc) http.Handler {
		if h.RateLimiter == nil {
			return next
		}
		return middleware.RateLimitByIP(h.RateLimiter)(next)
	}

	// Public auth endpoints
	router.Handle("/api/signup", limited(h.Auth.SignUp)).Methods(http.MethodPost)
	router.Handle("/api/login", limited(h.Auth.Login)).Methods(http.MethodPost)
	router.Handle("/verify-email", limited(h.Auth.VerifyEmail)).Methods(http.MethodGet)

	// RSVP links work without an account; a bearer token only adds the responder.
	rsvp := router.PathPrefix("/rsvp").Subrouter()
	rsvp.Use(authz.OptionalIdentity(h.Auth.JWTMiddleware))
	rsvp.Handle("/{token}", limited(h.RSVP.Respond)).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(h.Auth.JWTMiddleware)

	api.HandleFunc("/me", h.Auth.Me).Methods(http.MethodGet)
	api.HandleFunc("/verify-email/resend", h.Auth.ResendVerification).Methods(http.MethodPost)
	api.HandleFunc("/nonce", h.Nonce.Issue).Methods(http.MethodGet)

	api.HandleFunc("/events", h.Entities.CreateEvent).Methods(http.MethodPost)
	api.HandleFunc("/events/{entityID:[0-9]+}", h.Entities.GetEvent).Methods(http.MethodGet)
	api.HandleFunc("/communities", h.Entities.CreateCommunity).Methods(http.MethodPost)
	api.HandleFunc("/communities/{entityID:[0-9]+}", h.Entities.GetCommunity).Methods(http.MethodGet)
	api.HandleFunc("/communities/{entityID:[0-9]+}/members", h.Entities.ListMembers).Methods(http.MethodGet)

	api.HandleFunc(entityPath+"/invitations", h.Invitations.Create).Methods(http.MethodPost)
	api.HandleFunc(entityPath+"/invitations", h.Invitations.List).Methods(http.MethodGet)
	api.HandleFunc(entityPath+"/invitations/{invitationID:[0-9]+}/resend", h.Invitations.Resend).Methods(http.MethodPost)
	api.HandleFunc(entityPath+"/invitations/{invitationID:[0-9]+}", h.Invitations.Cancel).Methods(http.MethodDelete)

	if h.Bluesky != nil {
		api.HandleFunc("/invitations/bluesky/{entityType:event|community|events|communities}/{entityID:[0-9]+}", h.Invitations.BulkBluesky).Methods(http.MethodPost)
		api.HandleFunc("/bluesky/connect", h.Bluesky.Connect).Methods(http.MethodPost)
		api.HandleFunc("/bluesky/followers/sync", h.Bluesky.Sync).Methods(http.MethodPost)
		api.HandleFunc("/bluesky/followers", h.Bluesky.Followers).Methods(http.MethodGet)
	}

	api.HandleFunc("/notifications", h.Notifications.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{notificationID:[0-9]+}/read", h.Notifications.MarkRead).Methods(http.MethodPost)

	return router
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/bluesky"
	"github.com/stanstork/gatherly/internal/channel"
	"github.com/stanstork/gatherly/internal/config"
	"github.com/stanstork/gatherly/internal/handlers"
	"github.com/stanstork/gatherly/internal/invitation"
	"github.com/stanstork/gatherly/internal/metrics"
	"github.com/stanstork/gatherly/internal/middleware"
	"github.com/stanstork/gatherly/internal/migration"
	"github.com/stanstork/gatherly/internal/nonce"
	"github.com/stanstork/gatherly/internal/notification"
	"github.com/stanstork/gatherly/internal/repository"
	"github.com/stanstork/gatherly/internal/roster"
	"github.com/stanstork/gatherly/internal/routes"
	"github.com/stanstork/gatherly/internal/utils"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

type application struct {
	config        *config.Config
	db            *sql.DB
	store         *repository.Store
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	notifications notification.Service
	rateLimiter   *middleware.IPRateLimiter
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	gooseAdapter := migration.NewGooseAdapter(logger)
	goose.SetLogger(gooseAdapter)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if cfg.Database.Driver == "sqlite" {
		// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(db, cfg.Database.Driver, logger)

	store := repository.NewStore(db)

	app := &application{
		config:      cfg,
		db:          db,
		store:       store,
		metrics:     metrics.New(),
		logger:      logger,
		rateLimiter: middleware.NewIPRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, cfg.RateLimit.TTL),
	}

	mailer := app.initMailer()
	var notifiers []notification.Notifier
	if mailer != nil {
		notifiers = append(notifiers, notification.NewEmailNotifier(mailer, store.Users, logger))
	}
	app.notifications = notification.NewService(store.Notifications, logger, notifiers...)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(mailer)
	loggedRouter := middleware.LoggingMiddleware(app.logger, app.metrics)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler)

	logger.Info().Msg("Application terminated.")
}

// initMailer returns nil when no SMTP host is configured; email invitations
// are then unavailable.
func (app *application) initMailer() notification.Mailer {
	if app.config.Email.SMTPHost == "" {
		app.logger.Warn().Msg("SMTP is not configured, email delivery disabled")
		return nil
	}
	mailer, err := notification.NewSMTPMailer(app.config.Email)
	if err != nil {
		app.logger.Fatal().Err(err).Msg("failed to configure mailer")
	}
	return mailer
}

func (app *application) initNonceGuard() *nonce.Guard {
	var backend nonce.Backend
	switch app.config.Nonce.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := nonce.NewRedisClient(ctx, app.config.Redis)
		if err != nil {
			app.logger.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		backend = nonce.NewRedisBackend(client)
	default:
		backend = nonce.NewLocalBackend(app.config.Nonce.LocalSize)
	}

	return nonce.NewGuard(backend,
		nonce.WithTTL(app.config.Nonce.TTL),
		nonce.WithMaxTokens(app.config.Nonce.MaxTokens),
		nonce.WithLogger(app.logger),
		nonce.WithRejectHook(func(scope nonce.Scope, reason string) {
			app.metrics.NonceRejected(string(scope), reason)
		}),
	)
}

func (app *application) initBluesky() *bluesky.Service {
	if !app.config.Bluesky.Enabled {
		return nil
	}
	sealer, err := utils.NewSealer(app.config.EncryptionKey)
	if err != nil {
		app.logger.Fatal().Err(err).Msg("invalid encryption key")
	}
	client := bluesky.NewClient(app.config.Bluesky)
	auth, err := bluesky.NewAuthenticator(app.config.Bluesky, client, sealer)
	if err != nil {
		app.logger.Fatal().Err(err).Msg("failed to configure bluesky auth")
	}
	return bluesky.NewService(app.store, client, auth, app.logger)
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(mailer notification.Mailer) http.Handler {
	logger := app.logger
	guard := app.initNonceGuard()
	reconciler := roster.NewReconciler(app.store, logger)

	urls := channel.NewURLBuilder(app.config.RSVPURLTemplate())
	adapters := []channel.Adapter{channel.NewLinkAdapter(urls)}
	if mailer != nil {
		adapters = append(adapters, channel.NewEmailAdapter(mailer, urls))
	}
	blueskyService := app.initBluesky()
	if blueskyService != nil {
		adapters = append(adapters, channel.NewBlueskyAdapter(blueskyService, urls, logger))
	}
	registry := channel.NewRegistry(urls, adapters...)

	var authOpts []handlers.AuthOption
	if mailer != nil {
		authOpts = append(authOpts, handlers.WithEmailVerification(mailer, app.config.VerifyEmailURLTemplate()))
	}

	invitations := invitation.NewService(app.store, reconciler, registry, app.notifications, app.metrics, logger)

	hs := routes.Handlers{
		DB:            app.db,
		Metrics:       app.metrics,
		RateLimiter:   app.rateLimiter,
		Auth:          handlers.NewAuthHandler(app.store, reconciler, app.config.JWTSecret, logger, authOpts...),
		Nonce:         handlers.NewNonceHandler(guard, logger),
		Entities:      handlers.NewEntityHandler(app.store, reconciler, guard, logger),
		Invitations:   handlers.NewInvitationHandler(invitations, invitation.NewBlueskyBulk(invitations), guard, logger),
		RSVP:          handlers.NewRSVPHandler(invitations, logger),
		Notifications: handlers.NewNotificationHandler(app.notifications, logger),
	}
	if blueskyService != nil {
		hs.Bluesky = handlers.NewBlueskyHandler(blueskyService, guard, logger)
	}
	return routes.NewRouter(hs)
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler) {
	logger := app.logger
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCleanup := make(chan struct{})
	go app.rateLimiter.RunCleanup(time.Minute, stopCleanup)

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}
	close(stopCleanup)
}

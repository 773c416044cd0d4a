package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/authz"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/notification"
	"github.com/stanstork/gatherly/internal/repository"
	"github.com/stanstork/gatherly/internal/roster"
)

const tokenTTL = 24 * time.Hour

type AuthHandler struct {
	store      *repository.Store
	reconciler *roster.Reconciler
	jwtSecret  string
	logger     zerolog.Logger

	// verification mail; nil leaves email addresses unverified
	mailer    notification.Mailer
	verifyURL string
}

type AuthOption func(*AuthHandler)

// WithEmailVerification mails a confirmation link on signup. urlTemplate
// takes the verification token in place of %s.
func WithEmailVerification(mailer notification.Mailer, urlTemplate string) AuthOption {
	return func(h *AuthHandler) {
		h.mailer = mailer
		h.verifyURL = urlTemplate
	}
}

type signupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func NewAuthHandler(store *repository.Store, reconciler *roster.Reconciler, jwtSecret string, logger zerolog.Logger, opts ...AuthOption) *AuthHandler {
	h := &AuthHandler{
		store:      store,
		reconciler: reconciler,
		jwtSecret:  jwtSecret,
		logger:     logger.With().Str("handler", "auth").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SignUp creates the account together with its default community and mails
// the address confirmation link. Guest RSVPs sent to the address are picked
// up once it is verified.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if len(req.Password) < 8 {
		writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Errors: map[string]string{"password": "must be at least 8 characters"}})
		return
	}

	var user models.User
	err := h.store.WithTx(r.Context(), func(repos repository.Repositories) error {
		var err error
		user, err = repos.Users.CreateUser(r.Context(), req.Email, req.Password, req.DisplayName)
		if err != nil {
			return err
		}
		name := req.DisplayName
		if name == "" {
			name = strings.SplitN(user.Email, "@", 2)[0]
		}
		community, err := repos.Entities.CreateCommunity(r.Context(), user.ID, fmt.Sprintf("%s's community", name), models.CommunityPublic)
		if err != nil {
			return err
		}
		_, err = h.reconciler.SeedOwner(r.Context(), repos, models.EntityCommunity, community.ID, user.ID)
		return err
	})
	if errors.Is(err, repository.ErrDuplicate) {
		writeFail(w, http.StatusConflict, "An account with this email already exists")
		return
	}
	if err != nil {
		h.logger.Warn().Err(err).Msg("signup failed")
		writeFail(w, http.StatusBadRequest, "Could not create account")
		return
	}

	if err := h.sendVerification(r.Context(), user); err != nil && !errors.Is(err, errVerificationDisabled) {
		h.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("failed to send verification email")
	}
	h.claim(r.Context(), user)
	h.writeToken(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.store.Users.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCredentials) || errors.Is(err, repository.ErrInactiveUser) {
			writeFail(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		h.logger.Error().Err(err).Msg("login failed")
		writeFail(w, http.StatusInternalServerError, "Login failed")
		return
	}

	h.claim(r.Context(), user)
	h.writeToken(w, http.StatusOK, user)
}

func (h *AuthHandler) claim(ctx context.Context, user models.User) {
	if _, err := h.reconciler.ClaimForUser(ctx, user); err != nil {
		h.logger.Error().Err(err).Int64("user_id", user.ID).Msg("failed to claim guest invitations")
	}
}

func (h *AuthHandler) writeToken(w http.ResponseWriter, status int, user models.User) {
	token, err := h.IssueToken(user.ID, uuid.NewString())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign token")
		writeFail(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeOK(w, status, "", map[string]interface{}{"token": token, "user": user})
}

// IssueToken signs a bearer token for a login session.
func (h *AuthHandler) IssueToken(userID int64, sessionID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"sid": sessionID,
		"exp": time.Now().Add(tokenTTL).Unix(),
	})
	return token.SignedString([]byte(h.jwtSecret))
}

func (h *AuthHandler) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeFail(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeFail(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}
		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(h.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			writeFail(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !claims.VerifyExpiresAt(time.Now().Unix(), true) {
			writeFail(w, http.StatusUnauthorized, "Token expired")
			return
		}

		sub, _ := claims["sub"].(string)
		userID, err := strconv.ParseInt(sub, 10, 64)
		if err != nil || userID <= 0 {
			writeFail(w, http.StatusUnauthorized, "Missing token claim")
			return
		}
		sessionID, _ := claims["sid"].(string)
		if sessionID == "" || claims["purpose"] != nil {
			writeFail(w, http.StatusUnauthorized, "Missing token claim")
			return
		}

		ctx := authz.WithIdentity(r.Context(), authz.Identity{UserID: userID, SessionID: sessionID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Me returns the current user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserIDFromRequest(r)
	user, err := h.store.Users.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeFail(w, http.StatusUnauthorized, "Unknown user")
			return
		}
		h.logger.Error().Err(err).Msg("failed to load current user")
		writeFail(w, http.StatusInternalServerError, "Failed to load user")
		return
	}
	writeOK(w, http.StatusOK, "", map[string]interface{}{"user": user})
}

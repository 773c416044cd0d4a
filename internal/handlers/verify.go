package handlers

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/authz"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/repository"
)

const (
	verifyPurpose  = "verify_email"
	verifyTokenTTL = 48 * time.Hour
)

var errVerificationDisabled = errors.New("email verification is not configured")

// IssueVerificationToken signs a link token proving the holder received
// mail at email.
func (h *AuthHandler) IssueVerificationToken(userID int64, email string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     strconv.FormatInt(userID, 10),
		"email":   email,
		"purpose": verifyPurpose,
		"exp":     time.Now().Add(verifyTokenTTL).Unix(),
	})
	return token.SignedString([]byte(h.jwtSecret))
}

func (h *AuthHandler) parseVerificationToken(raw string) (int64, string, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return 0, "", errors.New("invalid verification token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims["purpose"] != verifyPurpose {
		return 0, "", errors.New("not a verification token")
	}
	sub, _ := claims["sub"].(string)
	userID, err := strconv.ParseInt(sub, 10, 64)
	email, _ := claims["email"].(string)
	if err != nil || userID <= 0 || email == "" {
		return 0, "", errors.New("incomplete verification token")
	}
	return userID, email, nil
}

func (h *AuthHandler) sendVerification(ctx context.Context, user models.User) error {
	if h.mailer == nil {
		return errVerificationDisabled
	}
	token, err := h.IssueVerificationToken(user.ID, user.Email)
	if err != nil {
		return errors.Wrap(err, "sign verification token")
	}
	link := fmt.Sprintf(h.verifyURL, url.QueryEscape(token))
	text := fmt.Sprintf("Confirm your email address to see the invitations sent to it:\n\n%s\n\nThe link expires in 48 hours.", link)
	body := fmt.Sprintf(`<p>Confirm your email address to see the invitations sent to it.</p><p><a href="%s">Confirm email</a></p><p>The link expires in 48 hours.</p>`, html.EscapeString(link))
	return h.mailer.Send(ctx, user.Email, "Confirm your email address", body, text)
}

// VerifyEmail handles GET /verify-email?token=. It marks the address as
// verified and attaches the guest RSVPs that were sent to it.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	userID, email, err := h.parseVerificationToken(strings.TrimSpace(r.URL.Query().Get("token")))
	if err != nil {
		writeFail(w, http.StatusBadRequest, "This verification link is invalid or has expired")
		return
	}

	user, err := h.store.Users.MarkEmailVerified(r.Context(), userID, email)
	if errors.Is(err, repository.ErrNotFound) {
		writeFail(w, http.StatusBadRequest, "This verification link is invalid or has expired")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to verify email")
		writeFail(w, http.StatusInternalServerError, "Could not verify email")
		return
	}

	claimed, err := h.reconciler.ClaimForUser(r.Context(), user)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", user.ID).Msg("failed to claim guest invitations")
	}
	writeOK(w, http.StatusOK, "Email address verified", map[string]interface{}{
		"user":    user,
		"claimed": claimed,
	})
}

// ResendVerification handles POST /api/verify-email/resend.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
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
	if user.EmailVerified() {
		writeOK(w, http.StatusOK, "Email address already verified", nil)
		return
	}

	err = h.sendVerification(r.Context(), user)
	switch {
	case errors.Is(err, errVerificationDisabled):
		writeFail(w, http.StatusServiceUnavailable, "Email verification is unavailable")
	case err != nil:
		h.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("failed to send verification email")
		writeFail(w, http.StatusBadGateway, "Could not send the verification email")
	default:
		writeOK(w, http.StatusOK, "Verification email sent", nil)
	}
}

package notification

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/models"
)

// UserLookup resolves the account a notification belongs to.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID int64) (models.User, error)
}

// EmailNotifier mails warnings and errors to the notification's owner.
// Informational notifications stay in-app only.
type EmailNotifier struct {
	mailer Mailer
	users  UserLookup
	logger zerolog.Logger
}

func NewEmailNotifier(mailer Mailer, users UserLookup, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		mailer: mailer,
		users:  users,
		logger: logger.With().Str("notifier", "email").Logger(),
	}
}

func (n *EmailNotifier) Notify(ctx context.Context, notif models.Notification) error {
	if notif.Severity == models.NotificationSeverityInfo || notif.Severity == "" {
		return nil
	}
	user, err := n.users.GetUserByID(ctx, notif.UserID)
	if err != nil {
		return fmt.Errorf("resolve notification owner: %w", err)
	}

	title := strings.TrimSpace(notif.Title)
	if title == "" {
		title = "Notification"
	}
	subject := fmt.Sprintf("[Gatherly] %s", title)

	text := strings.Builder{}
	text.WriteString(strings.TrimSpace(notif.Message))
	text.WriteString("\n\n")
	text.WriteString(fmt.Sprintf("Event: %s\n", notif.EventType))
	text.WriteString(fmt.Sprintf("Created: %s\n", notif.CreatedAt.Format("2006-01-02 15:04:05 MST")))

	htmlBody := fmt.Sprintf("<p>%s</p><p><small>%s &middot; %s</small></p>",
		html.EscapeString(strings.TrimSpace(notif.Message)),
		html.EscapeString(string(notif.EventType)),
		notif.CreatedAt.Format("2006-01-02 15:04 MST"))

	if err := n.mailer.Send(ctx, user.Email, subject, htmlBody, text.String()); err != nil {
		return err
	}

	n.logger.Info().
		Int64("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		Int64("user_id", user.ID).
		Msg("email notification sent")
	return nil
}

func (n *EmailNotifier) String() string {
	return "EmailNotifier"
}

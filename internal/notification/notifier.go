package notification

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/models"
)

// Notifier forwards a stored notification to an out-of-band channel.
type Notifier interface {
	Notify(ctx context.Context, notification models.Notification) error
}

func logNotifyError(logger zerolog.Logger, err error, channel string, notif models.Notification) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Int64("notification_id", notif.ID).
		Int64("user_id", notif.UserID).
		Str("event_type", string(notif.EventType)).
		Str("channel", channel).
		Msg("failed to deliver notification")
}

package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/repository"
)

type Event struct {
	UserID   int64
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifyInvitationResponded(ctx context.Context, inv models.Invitation, entity models.Entity) error
	NotifyDeliveryFailed(ctx context.Context, inv models.Invitation, entity models.Entity, reason string) error
	NotifyBulkInviteFinished(ctx context.Context, userID int64, entity models.Entity, sent, failed, skipped int) error
	ListRecent(ctx context.Context, userID int64, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID int64) (models.Notification, error)
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.UserID == 0 {
		return models.Notification{}, fmt.Errorf("user id is required")
	}
	if evt.Event == "" {
		return models.Notification{}, fmt.Errorf("event type is required")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	if title == "" {
		title = string(evt.Event)
	}

	notif, err := s.repo.Create(ctx, repository.CreateNotificationParams{
		UserID:   evt.UserID,
		Event:    evt.Event,
		Severity: evt.Severity,
		Title:    title,
		Message:  strings.TrimSpace(evt.Message),
		Metadata: evt.Metadata,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	return notif, nil
}

// NotifyInvitationResponded tells the inviter that the recipient answered.
func (s *service) NotifyInvitationResponded(ctx context.Context, inv models.Invitation, entity models.Entity) error {
	evt := Event{
		UserID:   inv.InvitedBy,
		Severity: models.NotificationSeverityInfo,
		Metadata: invitationMetadata(inv, entity),
	}
	switch inv.Status {
	case models.InvitationConfirmed:
		evt.Event = models.NotificationEventInvitationAccepted
		evt.Title = fmt.Sprintf("%s is coming", inv.Recipient)
		evt.Message = fmt.Sprintf("%s accepted your invitation to %s.", inv.Recipient, entity.Name)
	case models.InvitationDeclined:
		evt.Event = models.NotificationEventInvitationDeclined
		evt.Title = fmt.Sprintf("%s declined", inv.Recipient)
		evt.Message = fmt.Sprintf("%s declined your invitation to %s.", inv.Recipient, entity.Name)
	default:
		return fmt.Errorf("invitation %d has not been answered", inv.ID)
	}
	_, err := s.Publish(ctx, evt)
	return err
}

func (s *service) NotifyDeliveryFailed(ctx context.Context, inv models.Invitation, entity models.Entity, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Unknown error"
	}
	metadata := invitationMetadata(inv, entity)
	metadata["reason"] = reason
	_, err := s.Publish(ctx, Event{
		UserID:   inv.InvitedBy,
		Event:    models.NotificationEventDeliveryFailed,
		Severity: models.NotificationSeverityWarning,
		Title:    fmt.Sprintf("Invitation to %s not delivered", inv.Recipient),
		Message:  fmt.Sprintf("We could not deliver your %s invitation for %s to %s: %s. You can resend it from the guest list.", inv.Channel, entity.Name, inv.Recipient, reason),
		Metadata: metadata,
	})
	return err
}

func (s *service) NotifyBulkInviteFinished(ctx context.Context, userID int64, entity models.Entity, sent, failed, skipped int) error {
	severity := models.NotificationSeverityInfo
	if failed > 0 {
		severity = models.NotificationSeverityWarning
	}
	_, err := s.Publish(ctx, Event{
		UserID:   userID,
		Event:    models.NotificationEventBulkInviteFinished,
		Severity: severity,
		Title:    fmt.Sprintf("Bluesky invites for %s", entity.Name),
		Message:  fmt.Sprintf("%d sent, %d failed, %d skipped.", sent, failed, skipped),
		Metadata: map[string]interface{}{
			"entity_type": string(entity.Type),
			"entity_id":   entity.ID,
			"sent":        sent,
			"failed":      failed,
			"skipped":     skipped,
		},
	})
	return err
}

func (s *service) ListRecent(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	return s.repo.ListRecent(ctx, userID, limit)
}

func (s *service) MarkRead(ctx context.Context, userID, notificationID int64) (models.Notification, error) {
	return s.repo.MarkRead(ctx, userID, notificationID)
}

func invitationMetadata(inv models.Invitation, entity models.Entity) map[string]interface{} {
	return map[string]interface{}{
		"invitation_id": inv.ID,
		"entity_type":   string(entity.Type),
		"entity_id":     entity.ID,
		"recipient":     inv.Recipient,
		"channel":       string(inv.Channel),
	}
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}

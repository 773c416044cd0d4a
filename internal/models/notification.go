package models

import (
	"encoding/json"
	"time"
)

type NotificationSeverity string

const (
	NotificationSeverityInfo    NotificationSeverity = "info"
	NotificationSeverityWarning NotificationSeverity = "warning"
	NotificationSeverityError   NotificationSeverity = "error"
)

type NotificationEvent string

const (
	NotificationEventInvitationAccepted NotificationEvent = "invitation_accepted"
	NotificationEventInvitationDeclined NotificationEvent = "invitation_declined"
	NotificationEventDeliveryFailed     NotificationEvent = "delivery_failed"
	NotificationEventBulkInviteFinished NotificationEvent = "bulk_invite_finished"
)

type Notification struct {
	ID        int64                `json:"id"`
	UserID    int64                `json:"user_id"`
	EventType NotificationEvent    `json:"event_type"`
	Severity  NotificationSeverity `json:"severity"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Metadata  json.RawMessage      `json:"metadata,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	ReadAt    *time.Time           `json:"read_at,omitempty"`
}

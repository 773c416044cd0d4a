package models

import (
	"fmt"
	"strings"
	"time"
)

type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationConfirmed InvitationStatus = "confirmed"
	InvitationDeclined  InvitationStatus = "declined"
	InvitationCancelled InvitationStatus = "cancelled"
)

// invitationTransitions lists the statuses reachable from each status.
// Cancelled is terminal.
var invitationTransitions = map[InvitationStatus][]InvitationStatus{
	InvitationPending:   {InvitationConfirmed, InvitationDeclined, InvitationCancelled},
	InvitationConfirmed: {InvitationCancelled},
	InvitationDeclined:  {InvitationCancelled},
}

// ParseInvitationStatus rejects anything outside the four known statuses.
func ParseInvitationStatus(raw string) (InvitationStatus, error) {
	status := InvitationStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.IsValid() {
		return "", fmt.Errorf("unknown invitation status %q", raw)
	}
	return status, nil
}

func (s InvitationStatus) IsValid() bool {
	switch s {
	case InvitationPending, InvitationConfirmed, InvitationDeclined, InvitationCancelled:
		return true
	}
	return false
}

// IsActive reports whether the invitation still counts against the
// one-invitation-per-recipient rule.
func (s InvitationStatus) IsActive() bool {
	return s.IsValid() && s != InvitationCancelled
}

// IsResolved reports whether the recipient or host has already acted.
func (s InvitationStatus) IsResolved() bool {
	return s != InvitationPending
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to InvitationStatus) bool {
	for _, next := range invitationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelLink    Channel = "link"
	ChannelBluesky Channel = "bluesky"
)

func ParseChannel(raw string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(raw)))
	switch ch {
	case ChannelEmail, ChannelLink, ChannelBluesky:
		return ch, nil
	}
	return "", fmt.Errorf("unknown channel %q", raw)
}

// Invitation is an offer to join an event or community. It exists
// independently of whether the recipient has an account; UserID is set once
// the invitation is bound to one.
type Invitation struct {
	ID            int64            `json:"id"`
	EntityType    EntityType       `json:"entity_type"`
	EntityID      int64            `json:"entity_id"`
	Recipient     string           `json:"recipient"`
	Status        InvitationStatus `json:"status"`
	RSVPToken     string           `json:"-"`
	Channel       Channel          `json:"source_channel"`
	InvitedBy     int64            `json:"invited_by"`
	UserID        *int64           `json:"user_id,omitempty"`
	Message       string           `json:"message,omitempty"`
	SendCount     int              `json:"send_count"`
	LastSentAt    *time.Time       `json:"last_sent_at,omitempty"`
	DeliveryError string           `json:"delivery_error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	RespondedAt   *time.Time       `json:"responded_at,omitempty"`
}

// IsGuest reports whether the recipient has not been tied to an account yet.
func (i Invitation) IsGuest() bool {
	return i.UserID == nil
}

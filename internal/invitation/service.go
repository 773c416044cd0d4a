// Package invitation creates, delivers and answers invitations to events and
// communities.
package invitation

import (
	"context"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/bluesky"
	"github.com/stanstork/gatherly/internal/channel"
	"github.com/stanstork/gatherly/internal/metrics"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/notification"
	"github.com/stanstork/gatherly/internal/repository"
	"github.com/stanstork/gatherly/internal/roster"
)

const (
	maxLinkLabel      = 120
	maxMessageLen     = 2000
	maxCancelAttempts = 3
)

type Outcome string

const (
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeAlreadyConfirmed Outcome = "already_confirmed"
	OutcomeDeclined         Outcome = "declined"
	OutcomeAlreadyDeclined  Outcome = "already_declined"
)

type InviteRequest struct {
	EntityType models.EntityType
	EntityID   int64
	Recipient  string
	Channel    models.Channel
	InviterID  int64
	Message    string
}

type InviteResult struct {
	Invitation models.Invitation `json:"invitation"`
	Created    bool              `json:"created"`
	URL        string            `json:"url"`
	// Warning is set when the invitation was stored but could not be
	// delivered.
	Warning *DeliveryError `json:"-"`
}

// Responder is whoever opened the RSVP link. UserID is nil for anonymous
// guests.
type Responder struct {
	UserID *int64
}

type ResponseResult struct {
	Invitation models.Invitation `json:"invitation"`
	Entity     models.Entity     `json:"entity"`
	Outcome    Outcome           `json:"outcome"`
	Roster     *roster.Result    `json:"roster,omitempty"`
}

type Preview struct {
	Invitation models.Invitation `json:"invitation"`
	Entity     models.Entity     `json:"entity"`
	Inviter    string            `json:"inviter"`
}

type Service struct {
	store      *repository.Store
	reconciler *roster.Reconciler
	channels   *channel.Registry
	notifier   notification.Service
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

func NewService(store *repository.Store, reconciler *roster.Reconciler, channels *channel.Registry, notifier notification.Service, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		reconciler: reconciler,
		channels:   channels,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.With().Str("component", "invitation").Logger(),
	}
}

// Invite stores a pending invitation and delivers it. Inviting the same
// recipient again returns the existing invitation without sending anything.
// A failed delivery keeps the invitation and is reported in the result.
func (s *Service) Invite(ctx context.Context, req InviteRequest) (InviteResult, error) {
	recipient, err := s.validate(req)
	if err != nil {
		return InviteResult{}, err
	}

	entity, err := s.entity(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return InviteResult{}, err
	}
	if err := s.authorize(ctx, entity, req.InviterID, 0); err != nil {
		return InviteResult{}, err
	}

	var userID *int64
	if req.Channel != models.ChannelLink {
		user, err := s.store.Users.FindByRecipient(ctx, recipient)
		switch {
		case err == nil:
			userID = &user.ID
			if entity.Type == models.EntityCommunity {
				if _, err := s.store.Memberships.GetActive(ctx, entity.Type, entity.ID, user.ID); err == nil {
					return InviteResult{}, invalid("recipient", "already a member")
				} else if !errors.Is(err, repository.ErrNotFound) {
					return InviteResult{}, err
				}
			}
		case !errors.Is(err, repository.ErrNotFound):
			return InviteResult{}, err
		}
	}

	inv, created, err := s.store.Invitations.UpsertPending(ctx, repository.UpsertInvitationParams{
		EntityType: entity.Type,
		EntityID:   entity.ID,
		Recipient:  recipient,
		Channel:    req.Channel,
		InvitedBy:  req.InviterID,
		UserID:     userID,
		Message:    strings.TrimSpace(req.Message),
	})
	if err != nil {
		return InviteResult{}, err
	}
	s.metrics.InvitationCreated(string(entity.Type), string(req.Channel), created)

	result := InviteResult{Invitation: inv, Created: created, URL: s.channels.URLs().RSVP(inv.RSVPToken)}
	if !created {
		s.logger.Debug().Int64("invitation_id", inv.ID).Str("recipient", inv.Recipient).Msg("recipient already invited")
		return result, nil
	}

	s.logger.Info().
		Int64("invitation_id", inv.ID).
		Str("entity_type", string(entity.Type)).
		Int64("entity_id", entity.ID).
		Str("channel", string(inv.Channel)).
		Msg("invitation created")

	result.Invitation, result.Warning = s.dispatch(ctx, inv, entity)
	return result, nil
}

// Resend delivers a pending invitation again over its original channel. It
// returns false without sending when the invitation is no longer pending,
// and false with a *DeliveryError when the send fails.
func (s *Service) Resend(ctx context.Context, invitationID, actorID int64) (bool, error) {
	inv, entity, err := s.load(ctx, invitationID)
	if err != nil {
		return false, err
	}
	if err := s.authorize(ctx, entity, actorID, inv.InvitedBy); err != nil {
		return false, err
	}
	if inv.Status != models.InvitationPending {
		return false, nil
	}

	if _, derr := s.dispatch(ctx, inv, entity); derr != nil {
		return false, derr
	}
	return true, nil
}

// Cancel withdraws an invitation. A confirmed invitation also gives up its
// guest place or membership. It returns false when the invitation was
// already cancelled, including by a concurrent request.
func (s *Service) Cancel(ctx context.Context, invitationID, actorID int64) (bool, error) {
	inv, entity, err := s.load(ctx, invitationID)
	if err != nil {
		return false, err
	}
	if err := s.authorize(ctx, entity, actorID, inv.InvitedBy); err != nil {
		return false, err
	}

	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		if inv.Status == models.InvitationCancelled {
			return false, nil
		}

		err = s.store.WithTx(ctx, func(repos repository.Repositories) error {
			if _, err := repos.Invitations.SetStatus(ctx, inv.ID, models.InvitationCancelled, repository.StatusChange{From: inv.Status}); err != nil {
				return err
			}
			if inv.Status == models.InvitationConfirmed {
				return s.reconciler.Release(ctx, repos, inv)
			}
			return nil
		})
		if errors.Is(err, repository.ErrStatusConflict) {
			// Lost to a concurrent change; try again against the new status.
			if inv, err = s.store.Invitations.GetByID(ctx, inv.ID); err != nil {
				return false, s.notFound(err)
			}
			continue
		}
		if err != nil {
			return false, err
		}

		s.metrics.Cancellation(string(entity.Type))
		s.logger.Info().Int64("invitation_id", inv.ID).Int64("actor_id", actorID).Str("previous_status", string(inv.Status)).Msg("invitation cancelled")
		return true, nil
	}
	return false, errors.Wrapf(repository.ErrStatusConflict, "cancel invitation %d", inv.ID)
}

// Accept confirms the invitation behind token and adds the recipient to the
// guest list or roster in the same transaction. Accepting an invitation
// that is already confirmed succeeds without changing anything.
func (s *Service) Accept(ctx context.Context, token string, responder Responder) (ResponseResult, error) {
	return s.respond(ctx, token, responder, models.InvitationConfirmed)
}

// Decline records a no. Declining twice is harmless.
func (s *Service) Decline(ctx context.Context, token string, responder Responder) (ResponseResult, error) {
	return s.respond(ctx, token, responder, models.InvitationDeclined)
}

func (s *Service) respond(ctx context.Context, token string, responder Responder, to models.InvitationStatus) (ResponseResult, error) {
	inv, err := s.store.Invitations.GetByToken(ctx, token)
	if err != nil {
		return ResponseResult{}, s.notFound(err)
	}
	entity, err := s.entity(ctx, inv.EntityType, inv.EntityID)
	if err != nil {
		return ResponseResult{}, err
	}

	if inv.Status != models.InvitationPending {
		return s.resolved(inv, entity, to)
	}

	bindTo, err := s.responderBinding(ctx, inv, responder)
	if err != nil {
		return ResponseResult{}, err
	}

	var rosterResult *roster.Result
	err = s.store.WithTx(ctx, func(repos repository.Repositories) error {
		updated, err := repos.Invitations.SetStatus(ctx, inv.ID, to, repository.StatusChange{
			From:      models.InvitationPending,
			Responded: true,
			UserID:    bindTo,
		})
		if err != nil {
			return err
		}
		inv = updated
		if to != models.InvitationConfirmed {
			return nil
		}
		res, err := s.reconciler.Reconcile(ctx, repos, updated)
		if err != nil {
			return err
		}
		rosterResult = &res
		return nil
	})
	if errors.Is(err, repository.ErrStatusConflict) {
		current, getErr := s.store.Invitations.GetByID(ctx, inv.ID)
		if getErr != nil {
			return ResponseResult{}, getErr
		}
		return s.resolved(current, entity, to)
	}
	if err != nil {
		return ResponseResult{}, err
	}

	if rosterResult != nil && rosterResult.UserID != nil {
		inv.UserID = rosterResult.UserID
	}
	s.metrics.Response(string(entity.Type), string(to))
	if s.notifier != nil {
		if err := s.notifier.NotifyInvitationResponded(ctx, inv, entity); err != nil {
			s.logger.Warn().Err(err).Int64("invitation_id", inv.ID).Msg("failed to notify inviter")
		}
	}
	s.logger.Info().Int64("invitation_id", inv.ID).Str("status", string(to)).Msg("invitation answered")

	outcome := OutcomeConfirmed
	if to == models.InvitationDeclined {
		outcome = OutcomeDeclined
	}
	return ResponseResult{Invitation: inv, Entity: entity, Outcome: outcome, Roster: rosterResult}, nil
}

// responderBinding returns the account an answer may be attached to. Link
// invitations name no recipient, so whoever holds the link is bound. Email
// and Bluesky invitations are bound only when the responder owns the
// recipient address; otherwise they stay unbound until the recipient
// claims them.
func (s *Service) responderBinding(ctx context.Context, inv models.Invitation, responder Responder) (*int64, error) {
	if responder.UserID == nil || inv.UserID != nil {
		return nil, nil
	}
	if inv.Channel == models.ChannelLink {
		return responder.UserID, nil
	}

	user, err := s.store.Users.GetUserByID(ctx, *responder.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	recipient := repository.NormalizeRecipient(inv.Recipient)
	for _, id := range user.Identifiers() {
		if repository.NormalizeRecipient(id) == recipient {
			return responder.UserID, nil
		}
	}
	return nil, nil
}

// resolved answers a response to an invitation that is no longer pending.
// Repeating the same answer is a soft success.
func (s *Service) resolved(inv models.Invitation, entity models.Entity, to models.InvitationStatus) (ResponseResult, error) {
	switch {
	case inv.Status == models.InvitationCancelled:
		return ResponseResult{}, ErrNotFound
	case inv.Status == to && to == models.InvitationConfirmed:
		s.metrics.Response(string(entity.Type), string(OutcomeAlreadyConfirmed))
		return ResponseResult{Invitation: inv, Entity: entity, Outcome: OutcomeAlreadyConfirmed}, nil
	case inv.Status == to && to == models.InvitationDeclined:
		return ResponseResult{Invitation: inv, Entity: entity, Outcome: OutcomeAlreadyDeclined}, nil
	}
	return ResponseResult{Invitation: inv, Entity: entity}, ErrAlreadyResolved
}

// Preview returns what the RSVP page shows before the recipient answers.
func (s *Service) Preview(ctx context.Context, token string) (Preview, error) {
	inv, err := s.store.Invitations.GetByToken(ctx, token)
	if err != nil {
		return Preview{}, s.notFound(err)
	}
	if inv.Status == models.InvitationCancelled {
		return Preview{}, ErrNotFound
	}
	entity, err := s.entity(ctx, inv.EntityType, inv.EntityID)
	if err != nil {
		return Preview{}, err
	}

	inviter := "Someone"
	if user, err := s.store.Users.GetUserByID(ctx, inv.InvitedBy); err == nil {
		inviter = user.DisplayName
		if inviter == "" {
			inviter = user.Email
		}
	}
	return Preview{Invitation: inv, Entity: entity, Inviter: inviter}, nil
}

// List returns the invitations of an entity for someone allowed to manage
// them.
func (s *Service) List(ctx context.Context, entityType models.EntityType, entityID, actorID int64, filter repository.InvitationFilter) ([]models.Invitation, error) {
	entity, err := s.entity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, entity, actorID, 0); err != nil {
		return nil, err
	}
	return s.store.Invitations.ListForEntity(ctx, entity.Type, entity.ID, filter)
}

// dispatch sends inv through its channel adapter and records the attempt.
// No transaction is open while the adapter runs.
func (s *Service) dispatch(ctx context.Context, inv models.Invitation, entity models.Entity) (models.Invitation, *DeliveryError) {
	adapter, ok := s.channels.Get(inv.Channel)
	if !ok {
		return inv, s.deliveryFailed(ctx, inv, entity, "channel not configured")
	}

	inviter, err := s.store.Users.GetUserByID(ctx, inv.InvitedBy)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", inv.InvitedBy).Msg("inviter lookup failed")
	}

	res := adapter.Send(ctx, channel.Delivery{Invitation: inv, Entity: entity, Inviter: inviter})
	s.metrics.Delivery(string(inv.Channel), res.Success)

	recorded, err := s.store.Invitations.RecordDelivery(ctx, inv.ID, res.ErrorMessage)
	if err != nil {
		s.logger.Error().Err(err).Int64("invitation_id", inv.ID).Msg("failed to record delivery")
	} else {
		inv = recorded
	}

	if !res.Success {
		return inv, s.deliveryFailed(ctx, inv, entity, res.ErrorMessage)
	}
	return inv, nil
}

func (s *Service) deliveryFailed(ctx context.Context, inv models.Invitation, entity models.Entity, reason string) *DeliveryError {
	s.logger.Warn().
		Int64("invitation_id", inv.ID).
		Str("channel", string(inv.Channel)).
		Str("reason", reason).
		Msg("invitation delivery failed")
	if s.notifier != nil {
		if err := s.notifier.NotifyDeliveryFailed(ctx, inv, entity, reason); err != nil {
			s.logger.Warn().Err(err).Int64("invitation_id", inv.ID).Msg("failed to notify inviter")
		}
	}
	return &DeliveryError{InvitationID: inv.ID, Channel: inv.Channel, Reason: reason}
}

func (s *Service) validate(req InviteRequest) (string, error) {
	if req.InviterID == 0 {
		return "", ErrForbidden
	}
	if utf8.RuneCountInString(req.Message) > maxMessageLen {
		return "", invalid("message", "too long")
	}
	if _, ok := s.channels.Get(req.Channel); !ok {
		return "", invalid("channel", "unsupported channel")
	}

	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return "", invalid("recipient", "required")
	}

	switch req.Channel {
	case models.ChannelEmail:
		addr, err := mail.ParseAddress(recipient)
		if err != nil || addr.Name != "" || addr.Address != recipient {
			return "", invalid("recipient", "must be an email address")
		}
		return repository.NormalizeRecipient(addr.Address), nil
	case models.ChannelBluesky:
		handle, err := bluesky.NormalizeHandle(recipient)
		if err != nil {
			return "", invalid("recipient", "must be a Bluesky handle")
		}
		return handle, nil
	case models.ChannelLink:
		if utf8.RuneCountInString(recipient) > maxLinkLabel {
			return "", invalid("recipient", "label too long")
		}
		return recipient, nil
	}
	return "", invalid("channel", "unsupported channel")
}

// authorize allows the entity owner, its owners and admins, and for
// existing invitations the original inviter.
func (s *Service) authorize(ctx context.Context, entity models.Entity, actorID, inviterID int64) error {
	if actorID == 0 {
		return ErrForbidden
	}
	if actorID == entity.OwnerID || (inviterID != 0 && actorID == inviterID) {
		return nil
	}
	m, err := s.store.Memberships.GetActive(ctx, entity.Type, entity.ID, actorID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	if !m.Role.CanManage() {
		return ErrForbidden
	}
	return nil
}

func (s *Service) load(ctx context.Context, invitationID int64) (models.Invitation, models.Entity, error) {
	inv, err := s.store.Invitations.GetByID(ctx, invitationID)
	if err != nil {
		return models.Invitation{}, models.Entity{}, s.notFound(err)
	}
	entity, err := s.entity(ctx, inv.EntityType, inv.EntityID)
	if err != nil {
		return models.Invitation{}, models.Entity{}, err
	}
	return inv, entity, nil
}

func (s *Service) entity(ctx context.Context, entityType models.EntityType, id int64) (models.Entity, error) {
	entity, err := s.store.Entities.GetEntity(ctx, entityType, id)
	if err != nil {
		return models.Entity{}, s.notFound(err)
	}
	return entity, nil
}

func (s *Service) notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

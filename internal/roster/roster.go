// Package roster turns confirmed invitations into guest-list entries and
// community memberships.
package roster

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/repository"
)

type State string

const (
	// StateGuest is a confirmed event invitation. Event guests never get a
	// membership.
	StateGuest State = "guest"
	// StateMember means a new community membership was created.
	StateMember State = "member"
	// StateAlreadyMember means the user already held an active membership.
	StateAlreadyMember State = "already_member"
	// StatePendingAccount is a confirmed community invitation whose recipient
	// has no account yet. The membership is created when they sign up.
	StatePendingAccount State = "pending_account"
)

type Result struct {
	State      State              `json:"state"`
	UserID     *int64             `json:"user_id,omitempty"`
	Membership *models.Membership `json:"membership,omitempty"`
}

type Reconciler struct {
	store  *repository.Store
	logger zerolog.Logger
}

func NewReconciler(store *repository.Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger.With().Str("component", "roster").Logger()}
}

// Reconcile applies a freshly confirmed invitation to the roster. It must run
// in the same transaction as the status change that confirmed it.
func (r *Reconciler) Reconcile(ctx context.Context, repos repository.Repositories, inv models.Invitation) (Result, error) {
	if inv.Status != models.InvitationConfirmed {
		return Result{}, errors.Errorf("reconcile invitation %d in status %s", inv.ID, inv.Status)
	}

	inv, err := bindRecipient(ctx, repos, inv)
	if err != nil {
		return Result{}, err
	}

	switch inv.EntityType {
	case models.EntityEvent:
		if _, err := repos.Entities.AdjustGuestTotal(ctx, inv.EntityID, 1); err != nil {
			return Result{}, errors.Wrap(err, "count guest")
		}
		return Result{State: StateGuest, UserID: inv.UserID}, nil

	case models.EntityCommunity:
		if inv.UserID == nil {
			return Result{State: StatePendingAccount}, nil
		}
		m, created, err := repos.Memberships.Ensure(ctx, repository.EnsureMembershipParams{
			EntityType:   inv.EntityType,
			EntityID:     inv.EntityID,
			UserID:       *inv.UserID,
			Role:         models.RoleMember,
			InvitationID: &inv.ID,
		})
		if err != nil {
			return Result{}, errors.Wrap(err, "ensure membership")
		}
		state := StateMember
		if !created {
			state = StateAlreadyMember
		}
		return Result{State: state, UserID: inv.UserID, Membership: &m}, nil
	}
	return Result{}, errors.Errorf("unknown entity type %q", inv.EntityType)
}

// Release undoes the roster effect of a confirmed invitation that was just
// cancelled.
func (r *Reconciler) Release(ctx context.Context, repos repository.Repositories, inv models.Invitation) error {
	switch inv.EntityType {
	case models.EntityEvent:
		if _, err := repos.Entities.AdjustGuestTotal(ctx, inv.EntityID, -1); err != nil {
			return errors.Wrap(err, "uncount guest")
		}
	case models.EntityCommunity:
		m, err := repos.Memberships.GetByInvitation(ctx, inv.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if m.Role == models.RoleOwner {
			return nil
		}
		if _, err := repos.Memberships.Remove(ctx, m.ID); err != nil && !errors.Is(err, repository.ErrStatusConflict) {
			return errors.Wrap(err, "remove membership")
		}
	}
	return nil
}

// SeedOwner makes ownerID the owner of a newly created community.
func (r *Reconciler) SeedOwner(ctx context.Context, repos repository.Repositories, entityType models.EntityType, entityID, ownerID int64) (models.Membership, error) {
	m, _, err := repos.Memberships.Ensure(ctx, repository.EnsureMembershipParams{
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     ownerID,
		Role:       models.RoleOwner,
	})
	if err != nil {
		return models.Membership{}, errors.Wrap(err, "seed owner")
	}
	return m, nil
}

// ClaimForUser binds confirmed guest invitations addressed to the user's
// email or Bluesky handle and creates the memberships they were waiting on.
// It returns the number of invitations claimed.
func (r *Reconciler) ClaimForUser(ctx context.Context, user models.User) (int, error) {
	var claimed int
	err := r.store.WithTx(ctx, func(repos repository.Repositories) error {
		invitations, err := repos.Invitations.ListUnboundConfirmed(ctx, user.Identifiers())
		if err != nil {
			return err
		}
		for _, inv := range invitations {
			bound, err := repos.Invitations.BindUser(ctx, inv.ID, user.ID)
			if errors.Is(err, repository.ErrStatusConflict) {
				continue
			}
			if err != nil {
				return err
			}
			if bound.EntityType == models.EntityCommunity {
				if _, _, err := repos.Memberships.Ensure(ctx, repository.EnsureMembershipParams{
					EntityType:   bound.EntityType,
					EntityID:     bound.EntityID,
					UserID:       user.ID,
					Role:         models.RoleMember,
					InvitationID: &bound.ID,
				}); err != nil {
					return errors.Wrap(err, "ensure claimed membership")
				}
			}
			claimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if claimed > 0 {
		r.logger.Info().Int64("user_id", user.ID).Int("claimed", claimed).Msg("claimed guest invitations")
	}
	return claimed, nil
}

// bindRecipient ties a guest invitation to the account its recipient
// belongs to, when there is one.
func bindRecipient(ctx context.Context, repos repository.Repositories, inv models.Invitation) (models.Invitation, error) {
	if inv.UserID != nil {
		return inv, nil
	}
	user, err := repos.Users.FindByRecipient(ctx, inv.Recipient)
	if errors.Is(err, repository.ErrNotFound) {
		return inv, nil
	}
	if err != nil {
		return models.Invitation{}, err
	}

	bound, err := repos.Invitations.BindUser(ctx, inv.ID, user.ID)
	if errors.Is(err, repository.ErrStatusConflict) {
		return repos.Invitations.GetByID(ctx, inv.ID)
	}
	return bound, err
}

package invitation

import (
	"context"

	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/bluesky"
	"github.com/stanstork/gatherly/internal/models"
)

type BulkRequest struct {
	EntityType models.EntityType
	EntityID   int64
	InviterID  int64
	Handles    []string
	Message    string
}

// BulkResult counts per-handle outcomes. Errors is keyed by handle.
type BulkResult struct {
	Sent    int               `json:"sent"`
	Failed  int               `json:"failed"`
	Skipped int               `json:"skipped"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func (r *BulkResult) fail(handle, reason string) {
	r.Failed++
	r.Errors[handle] = reason
}

func (r *BulkResult) skip(handle, reason string) {
	r.Skipped++
	r.Errors[handle] = reason
}

// BlueskyBulk invites a selection of the inviter's Bluesky followers, one
// invitation per follower. A failure for one handle does not stop the rest.
type BlueskyBulk struct {
	svc *Service
}

func NewBlueskyBulk(svc *Service) *BlueskyBulk {
	return &BlueskyBulk{svc: svc}
}

func (b *BlueskyBulk) InviteFollowers(ctx context.Context, req BulkRequest) (BulkResult, error) {
	s := b.svc
	entity, err := s.entity(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return BulkResult{}, err
	}
	if err := s.authorize(ctx, entity, req.InviterID, 0); err != nil {
		return BulkResult{}, err
	}

	result := BulkResult{Errors: map[string]string{}}
	handles := make([]string, 0, len(req.Handles))
	seen := make(map[string]bool, len(req.Handles))
	for _, raw := range req.Handles {
		handle, err := bluesky.NormalizeHandle(raw)
		if err != nil {
			result.skip(raw, "invalid handle")
			continue
		}
		if seen[handle] {
			continue
		}
		seen[handle] = true
		handles = append(handles, handle)
	}
	if len(handles) == 0 && result.Skipped == 0 {
		return BulkResult{}, invalid("handles", "select at least one follower")
	}

	followers, err := s.store.Bluesky.FollowersByHandle(ctx, req.InviterID, handles)
	if err != nil {
		return BulkResult{}, err
	}

	for _, handle := range handles {
		if _, ok := followers[handle]; !ok {
			result.skip(handle, "not a follower")
			continue
		}

		res, err := s.Invite(ctx, InviteRequest{
			EntityType: entity.Type,
			EntityID:   entity.ID,
			Recipient:  handle,
			Channel:    models.ChannelBluesky,
			InviterID:  req.InviterID,
			Message:    req.Message,
		})
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			result.skip(handle, verr.Error())
		case err != nil:
			result.fail(handle, err.Error())
		case !res.Created:
			result.skip(handle, "already invited")
		case res.Warning != nil:
			result.fail(handle, res.Warning.Reason)
		default:
			result.Sent++
		}
	}

	s.metrics.BulkInvite("sent", result.Sent)
	s.metrics.BulkInvite("failed", result.Failed)
	s.metrics.BulkInvite("skipped", result.Skipped)
	if s.notifier != nil {
		if err := s.notifier.NotifyBulkInviteFinished(ctx, req.InviterID, entity, result.Sent, result.Failed, result.Skipped); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", req.InviterID).Msg("failed to notify bulk invite result")
		}
	}
	s.logger.Info().
		Int64("user_id", req.InviterID).
		Str("entity_type", string(entity.Type)).
		Int64("entity_id", entity.ID).
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("bluesky bulk invite finished")
	return result, nil
}

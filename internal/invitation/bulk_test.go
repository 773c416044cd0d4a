package invitation

import (
	"context"
	"testing"

	"github.com/stanstork/gatherly/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlueskyBulkInviteFollowers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.Bluesky.ReplaceFollowers(ctx, f.host.ID, []models.Follower{
		{DID: "did:plc:amy", Handle: "amy.bsky.social"},
		{DID: "did:plc:cal", Handle: "cal.bsky.social"},
		{DID: "did:plc:dee", Handle: "dee.bsky.social"},
	})
	require.NoError(t, err)

	f.invite(t, models.EntityEvent, f.event.ID, "cal.bsky.social", models.ChannelBluesky)
	f.poster.failFor["dee.bsky.social"] = true

	bulk := NewBlueskyBulk(f.svc)
	res, err := bulk.InviteFollowers(ctx, BulkRequest{
		EntityType: models.EntityEvent,
		EntityID:   f.event.ID,
		InviterID:  f.host.ID,
		Handles: []string{
			"@Amy.bsky.social",
			"amy.bsky.social",
			"stranger.bsky.social",
			"cal.bsky.social",
			"dee.bsky.social",
			"not a handle",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, "not a follower", res.Errors["stranger.bsky.social"])
	assert.Equal(t, "already invited", res.Errors["cal.bsky.social"])
	assert.Equal(t, "invalid handle", res.Errors["not a handle"])
	assert.Contains(t, res.Errors["dee.bsky.social"], "RateLimitExceeded")

	// The failed mention still leaves a resendable invitation behind.
	dee, err := f.store.Invitations.GetActive(ctx, models.EntityEvent, f.event.ID, "dee.bsky.social")
	require.NoError(t, err)
	assert.Equal(t, models.InvitationPending, dee.Status)
	assert.NotEmpty(t, dee.DeliveryError)

	notes, err := f.store.Notifications.ListRecent(ctx, f.host.ID, 10)
	require.NoError(t, err)
	var finished int
	for _, n := range notes {
		if n.EventType == models.NotificationEventBulkInviteFinished {
			finished++
			assert.Equal(t, models.NotificationSeverityWarning, n.Severity)
		}
	}
	assert.Equal(t, 1, finished)
}

func TestBlueskyBulkRequiresPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stranger := f.user(t, "stranger@example.com")

	_, err := NewBlueskyBulk(f.svc).InviteFollowers(ctx, BulkRequest{
		EntityType: models.EntityCommunity,
		EntityID:   f.community.ID,
		InviterID:  stranger.ID,
		Handles:    []string{"amy.bsky.social"},
	})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = NewBlueskyBulk(f.svc).InviteFollowers(ctx, BulkRequest{
		EntityType: models.EntityCommunity,
		EntityID:   f.community.ID,
		InviterID:  f.host.ID,
	})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

package channel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/models"
)

// MentionPoster posts a mention on behalf of a local user.
type MentionPoster interface {
	PostMention(ctx context.Context, userID int64, handle, text, link string) (string, error)
}

// BlueskyAdapter invites a handle by mentioning it in a post from the
// inviter's account.
type BlueskyAdapter struct {
	poster MentionPoster
	urls   URLBuilder
	logger zerolog.Logger
}

func NewBlueskyAdapter(poster MentionPoster, urls URLBuilder, logger zerolog.Logger) *BlueskyAdapter {
	return &BlueskyAdapter{
		poster: poster,
		urls:   urls,
		logger: logger.With().Str("channel", string(models.ChannelBluesky)).Logger(),
	}
}

func (a *BlueskyAdapter) Channel() models.Channel {
	return models.ChannelBluesky
}

func (a *BlueskyAdapter) Send(ctx context.Context, d Delivery) Result {
	link := a.urls.RSVP(d.Invitation.RSVPToken)
	text := fmt.Sprintf("you're invited to the %s %q. RSVP here:", entityNoun(d.Entity.Type), d.Entity.Name)

	uri, err := a.poster.PostMention(ctx, d.Invitation.InvitedBy, d.Invitation.Recipient, text, link)
	if err != nil {
		return failed(link, err)
	}
	a.logger.Debug().Int64("invitation_id", d.Invitation.ID).Str("post", uri).Msg("mention posted")
	return Result{Success: true, URL: link}
}

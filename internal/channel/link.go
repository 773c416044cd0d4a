package channel

import (
	"context"

	"github.com/stanstork/gatherly/internal/models"
)

// LinkAdapter delivers nothing; the host shares the returned URL themselves.
type LinkAdapter struct {
	urls URLBuilder
}

func NewLinkAdapter(urls URLBuilder) *LinkAdapter {
	return &LinkAdapter{urls: urls}
}

func (a *LinkAdapter) Channel() models.Channel {
	return models.ChannelLink
}

func (a *LinkAdapter) Send(_ context.Context, d Delivery) Result {
	return Result{Success: true, URL: a.urls.RSVP(d.Invitation.RSVPToken)}
}

// Package channel delivers invitations to recipients over the supported
// channels.
package channel

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/stanstork/gatherly/internal/models"
)

// Delivery is everything an adapter needs to reach one recipient.
type Delivery struct {
	Invitation models.Invitation
	Entity     models.Entity
	Inviter    models.User
}

// Result reports the outcome of a single delivery attempt. A failed attempt
// is not an error for the caller: the invitation stays valid.
type Result struct {
	Success      bool   `json:"success"`
	URL          string `json:"url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func failed(link string, err error) Result {
	return Result{Success: false, URL: link, ErrorMessage: err.Error()}
}

// Adapter sends an invitation over one channel.
type Adapter interface {
	Channel() models.Channel
	Send(ctx context.Context, d Delivery) Result
}

// URLBuilder formats RSVP links from a template holding a single %s for
// the token.
type URLBuilder struct {
	template string
}

func NewURLBuilder(template string) URLBuilder {
	return URLBuilder{template: template}
}

func (b URLBuilder) RSVP(token string) string {
	return fmt.Sprintf(b.template, url.PathEscape(token))
}

// Respond is the one-click link that answers the invitation.
func (b URLBuilder) Respond(token string, accept bool) string {
	answer := "no"
	if accept {
		answer = "yes"
	}
	link := b.RSVP(token)
	sep := "?"
	if strings.Contains(link, "?") {
		sep = "&"
	}
	return link + sep + "rsvp=" + answer
}

type Registry struct {
	urls     URLBuilder
	adapters map[models.Channel]Adapter
}

// NewRegistry indexes adapters by channel. A later adapter for the same
// channel replaces an earlier one.
func NewRegistry(urls URLBuilder, adapters ...Adapter) *Registry {
	r := &Registry{urls: urls, adapters: make(map[models.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Channel()] = a
		}
	}
	return r
}

func (r *Registry) Get(ch models.Channel) (Adapter, bool) {
	a, ok := r.adapters[ch]
	return a, ok
}

// URLs returns the builder the adapters share.
func (r *Registry) URLs() URLBuilder {
	return r.urls
}

func (r *Registry) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(r.adapters))
	for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelLink, models.ChannelBluesky} {
		if _, ok := r.adapters[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func inviterName(u models.User) string {
	if name := strings.TrimSpace(u.DisplayName); name != "" {
		return name
	}
	if u.Email != "" {
		return u.Email
	}
	return "Someone"
}

func entityNoun(t models.EntityType) string {
	if t == models.EntityCommunity {
		return "community"
	}
	return "event"
}

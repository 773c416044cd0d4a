package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	to, subject, html, text string
}

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, htmlBody, textBody string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to, subject, htmlBody, textBody})
	return nil
}

type fakePoster struct {
	userID             int64
	handle, text, link string
	err                error
}

func (p *fakePoster) PostMention(_ context.Context, userID int64, handle, text, link string) (string, error) {
	p.userID, p.handle, p.text, p.link = userID, handle, text, link
	if p.err != nil {
		return "", p.err
	}
	return "at://did:plc:host/app.bsky.feed.post/1", nil
}

var urls = NewURLBuilder("http://gather.test/rsvp/%s")

func testDelivery(ch models.Channel, recipient string) Delivery {
	starts := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	return Delivery{
		Invitation: models.Invitation{
			ID:         7,
			EntityType: models.EntityEvent,
			EntityID:   3,
			Recipient:  recipient,
			RSVPToken:  "tok123",
			Channel:    ch,
			InvitedBy:  42,
			Message:    "Bring snacks",
		},
		Entity:  models.Entity{Type: models.EntityEvent, ID: 3, OwnerID: 42, Name: "Rooftop Picnic", StartsAt: &starts},
		Inviter: models.User{ID: 42, Email: "host@example.com", DisplayName: "Hana"},
	}
}

func TestURLBuilder(t *testing.T) {
	assert.Equal(t, "http://gather.test/rsvp/a%2Fb", urls.RSVP("a/b"))
	assert.Equal(t, "http://gather.test/rsvp/tok?rsvp=yes", urls.Respond("tok", true))
	assert.Equal(t, "http://gather.test/r?t=tok&rsvp=no", NewURLBuilder("http://gather.test/r?t=%s").Respond("tok", false))
}

func TestEmailAdapter(t *testing.T) {
	mailer := &fakeMailer{}
	adapter := NewEmailAdapter(mailer, urls)

	res := adapter.Send(context.Background(), testDelivery(models.ChannelEmail, "guest@example.com"))
	require.True(t, res.Success)
	assert.Equal(t, "http://gather.test/rsvp/tok123", res.URL)

	require.Len(t, mailer.sent, 1)
	mail := mailer.sent[0]
	assert.Equal(t, "guest@example.com", mail.to)
	assert.Equal(t, "Hana invited you to Rooftop Picnic", mail.subject)
	assert.Contains(t, mail.html, "http://gather.test/rsvp/tok123?rsvp=yes")
	assert.Contains(t, mail.html, "Bring snacks")
	assert.Contains(t, mail.text, "http://gather.test/rsvp/tok123?rsvp=no")
	assert.Contains(t, mail.text, "Rooftop Picnic")
	assert.NotContains(t, mail.text, "<a ")
}

func TestEmailAdapterTransportFailure(t *testing.T) {
	adapter := NewEmailAdapter(&fakeMailer{err: errors.New("connection refused")}, urls)

	res := adapter.Send(context.Background(), testDelivery(models.ChannelEmail, "guest@example.com"))
	assert.False(t, res.Success)
	assert.Equal(t, "connection refused", res.ErrorMessage)
	assert.Equal(t, "http://gather.test/rsvp/tok123", res.URL)
}

func TestLinkAdapterAlwaysSucceeds(t *testing.T) {
	res := NewLinkAdapter(urls).Send(context.Background(), testDelivery(models.ChannelLink, "family group chat"))
	assert.Equal(t, Result{Success: true, URL: "http://gather.test/rsvp/tok123"}, res)
}

func TestBlueskyAdapter(t *testing.T) {
	poster := &fakePoster{}
	adapter := NewBlueskyAdapter(poster, urls, zerolog.Nop())

	res := adapter.Send(context.Background(), testDelivery(models.ChannelBluesky, "friend.bsky.social"))
	require.True(t, res.Success)
	assert.Equal(t, int64(42), poster.userID)
	assert.Equal(t, "friend.bsky.social", poster.handle)
	assert.Equal(t, "http://gather.test/rsvp/tok123", poster.link)
	assert.Contains(t, poster.text, "Rooftop Picnic")

	poster.err = errors.New("rate limited")
	res = adapter.Send(context.Background(), testDelivery(models.ChannelBluesky, "friend.bsky.social"))
	assert.False(t, res.Success)
	assert.Equal(t, "rate limited", res.ErrorMessage)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(urls, NewLinkAdapter(urls), nil, NewEmailAdapter(&fakeMailer{}, urls))

	_, ok := reg.Get(models.ChannelBluesky)
	assert.False(t, ok)
	a, ok := reg.Get(models.ChannelLink)
	require.True(t, ok)
	assert.Equal(t, models.ChannelLink, a.Channel())
	assert.Equal(t, []models.Channel{models.ChannelEmail, models.ChannelLink}, reg.Channels())
	assert.Equal(t, "http://gather.test/rsvp/x", reg.URLs().RSVP("x"))
}

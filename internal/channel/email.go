package channel

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/notification"
)

var invitationEmail = template.Must(template.New("invitation").Parse(`<!DOCTYPE html>
<html>
<body>
<h2>{{.Inviter}} invited you to the {{.Noun}} <em>{{.Name}}</em></h2>
{{- if .StartsAt}}
<p>When: {{.StartsAt}}</p>
{{- end}}
{{- if .Message}}
<blockquote>{{.Message}}</blockquote>
{{- end}}
<p><a href="{{.AcceptURL}}">Yes, I'll be there</a> | <a href="{{.DeclineURL}}">No, I can't make it</a></p>
<p>Or open the invitation: <a href="{{.URL}}">{{.URL}}</a></p>
</body>
</html>`))

type emailData struct {
	Inviter    string
	Noun       string
	Name       string
	StartsAt   string
	Message    string
	URL        string
	AcceptURL  string
	DeclineURL string
}

// EmailAdapter renders the invitation mail and hands it to a Mailer.
type EmailAdapter struct {
	mailer    notification.Mailer
	urls      URLBuilder
	converter *md.Converter
}

func NewEmailAdapter(mailer notification.Mailer, urls URLBuilder) *EmailAdapter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &EmailAdapter{mailer: mailer, urls: urls, converter: converter}
}

func (a *EmailAdapter) Channel() models.Channel {
	return models.ChannelEmail
}

func (a *EmailAdapter) Send(ctx context.Context, d Delivery) Result {
	token := d.Invitation.RSVPToken
	link := a.urls.RSVP(token)

	subject, htmlBody, textBody, err := a.render(d)
	if err != nil {
		return failed(link, err)
	}
	if err := a.mailer.Send(ctx, d.Invitation.Recipient, subject, htmlBody, textBody); err != nil {
		return failed(link, err)
	}
	return Result{Success: true, URL: link}
}

func (a *EmailAdapter) render(d Delivery) (subject, htmlBody, textBody string, err error) {
	token := d.Invitation.RSVPToken
	data := emailData{
		Inviter:    inviterName(d.Inviter),
		Noun:       entityNoun(d.Entity.Type),
		Name:       d.Entity.Name,
		Message:    strings.TrimSpace(d.Invitation.Message),
		URL:        a.urls.RSVP(token),
		AcceptURL:  a.urls.Respond(token, true),
		DeclineURL: a.urls.Respond(token, false),
	}
	if d.Entity.StartsAt != nil {
		data.StartsAt = d.Entity.StartsAt.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
	}

	var buf bytes.Buffer
	if err := invitationEmail.Execute(&buf, data); err != nil {
		return "", "", "", errors.Wrap(err, "render invitation email")
	}
	htmlBody = buf.String()

	textBody, err = a.converter.ConvertString(htmlBody)
	if err != nil {
		return "", "", "", errors.Wrap(err, "convert invitation email to text")
	}

	subject = fmt.Sprintf("%s invited you to %s", data.Inviter, d.Entity.Name)
	return subject, htmlBody, textBody, nil
}

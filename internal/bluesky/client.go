// Package bluesky talks to a Bluesky PDS over XRPC: sessions, follower
// lists and mention posts.
package bluesky

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/config"
	"github.com/stanstork/gatherly/internal/models"
)

const (
	followersPageSize = 100
	postCollection    = "app.bsky.feed.post"
)

// Session is an authenticated identity used for XRPC calls.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt,omitempty"`
}

// APIError is the error body XRPC endpoints return.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bluesky: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("bluesky: %d %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	http         *resty.Client
	maxFollowers int
	now          func() time.Time
}

func NewClient(cfg config.BlueskyConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.ServiceURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		maxFollowers: cfg.MaxFollower,
		now:          time.Now,
	}
}

// CreateSession logs in with a handle and app password.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (Session, error) {
	var sess Session
	var apiErr APIError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"identifier": identifier, "password": password}).
		SetResult(&sess).
		SetError(&apiErr).
		Post("/xrpc/com.atproto.server.createSession")
	if err := checkResponse(resp, err, &apiErr); err != nil {
		return Session{}, err
	}
	if sess.AccessJWT == "" || sess.DID == "" {
		return Session{}, errors.New("bluesky: session response missing credentials")
	}
	return sess, nil
}

// ResolveHandle maps a handle to its DID.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var out struct {
		DID string `json:"did"`
	}
	var apiErr APIError
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("handle", handle).
		SetResult(&out).
		SetError(&apiErr).
		Get("/xrpc/com.atproto.identity.resolveHandle")
	if err := checkResponse(resp, err, &apiErr); err != nil {
		return "", err
	}
	return out.DID, nil
}

type followersPage struct {
	Cursor    string `json:"cursor"`
	Followers []struct {
		DID         string `json:"did"`
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
	} `json:"followers"`
}

// GetFollowers pages through the actor's followers, stopping at the
// configured maximum.
func (c *Client) GetFollowers(ctx context.Context, sess Session, actor string) ([]models.Follower, error) {
	var (
		followers []models.Follower
		cursor    string
	)
	for {
		var page followersPage
		var apiErr APIError
		req := c.http.R().
			SetContext(ctx).
			SetAuthToken(sess.AccessJWT).
			SetQueryParam("actor", actor).
			SetQueryParam("limit", fmt.Sprint(followersPageSize)).
			SetResult(&page).
			SetError(&apiErr)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		resp, err := req.Get("/xrpc/app.bsky.graph.getFollowers")
		if err := checkResponse(resp, err, &apiErr); err != nil {
			return nil, err
		}

		for _, f := range page.Followers {
			followers = append(followers, models.Follower{DID: f.DID, Handle: f.Handle, DisplayName: f.DisplayName})
			if c.maxFollowers > 0 && len(followers) >= c.maxFollowers {
				return followers, nil
			}
		}
		if page.Cursor == "" || page.Cursor == cursor || len(page.Followers) == 0 {
			return followers, nil
		}
		cursor = page.Cursor
	}
}

// Mention is a post that tags a single account and carries a link.
type Mention struct {
	Handle string
	DID    string
	Text   string
	URL    string
}

type facetIndex struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type facetFeature struct {
	Type string `json:"$type"`
	DID  string `json:"did,omitempty"`
	URI  string `json:"uri,omitempty"`
}

type facet struct {
	Index    facetIndex     `json:"index"`
	Features []facetFeature `json:"features"`
}

type postRecord struct {
	Type      string  `json:"$type"`
	Text      string  `json:"text"`
	CreatedAt string  `json:"createdAt"`
	Facets    []facet `json:"facets,omitempty"`
}

// buildPost lays out "@handle text url" and the facets that turn the
// handle into a mention and the url into a link. Offsets are UTF-8 bytes.
func buildPost(m Mention, at time.Time) postRecord {
	handle := strings.TrimPrefix(strings.TrimSpace(m.Handle), "@")
	var b strings.Builder
	var facets []facet

	mentionStart := b.Len()
	b.WriteString("@" + handle)
	if m.DID != "" {
		facets = append(facets, facet{
			Index:    facetIndex{ByteStart: mentionStart, ByteEnd: b.Len()},
			Features: []facetFeature{{Type: "app.bsky.richtext.facet#mention", DID: m.DID}},
		})
	}
	if text := strings.TrimSpace(m.Text); text != "" {
		b.WriteString(" " + text)
	}
	if m.URL != "" {
		b.WriteString(" ")
		linkStart := b.Len()
		b.WriteString(m.URL)
		facets = append(facets, facet{
			Index:    facetIndex{ByteStart: linkStart, ByteEnd: b.Len()},
			Features: []facetFeature{{Type: "app.bsky.richtext.facet#link", URI: m.URL}},
		})
	}

	return postRecord{
		Type:      postCollection,
		Text:      b.String(),
		CreatedAt: at.UTC().Format(time.RFC3339),
		Facets:    facets,
	}
}

// PostMention publishes a mention post from the session's repo and returns
// the record URI.
func (c *Client) PostMention(ctx context.Context, sess Session, m Mention) (string, error) {
	if m.DID == "" {
		did, err := c.ResolveHandle(ctx, strings.TrimPrefix(m.Handle, "@"))
		if err != nil {
			return "", errors.Wrap(err, "resolve mentioned handle")
		}
		m.DID = did
	}

	var out struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	var apiErr APIError
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(sess.AccessJWT).
		SetBody(map[string]interface{}{
			"repo":       sess.DID,
			"collection": postCollection,
			"record":     buildPost(m, c.now()),
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/xrpc/com.atproto.repo.createRecord")
	if err := checkResponse(resp, err, &apiErr); err != nil {
		return "", err
	}
	return out.URI, nil
}

func checkResponse(resp *resty.Response, err error, apiErr *APIError) error {
	if err != nil {
		return errors.Wrap(err, "bluesky request failed")
	}
	if resp.IsError() || resp.StatusCode() != http.StatusOK {
		apiErr.Status = resp.StatusCode()
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode())
		}
		return apiErr
	}
	return nil
}

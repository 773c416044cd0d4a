package bluesky

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/config"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/repository"
	"github.com/stanstork/gatherly/internal/testutil"
	"github.com/stanstork/gatherly/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePDS serves the handful of XRPC endpoints the client uses.
type fakePDS struct {
	mu        sync.Mutex
	followers []map[string]string
	posts     []map[string]interface{}
	auths     []string
}

func (p *fakePDS) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "app-pass" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AuthenticationRequired", "message": "Invalid identifier or password"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"did": "did:plc:host", "handle": body["identifier"], "accessJwt": "access-1", "refreshJwt": "refresh-1"})
	})
	mux.HandleFunc("/xrpc/com.atproto.identity.resolveHandle", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"did": "did:plc:" + strings.Split(r.URL.Query().Get("handle"), ".")[0]})
	})
	mux.HandleFunc("/xrpc/app.bsky.graph.getFollowers", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.auths = append(p.auths, r.Header.Get("Authorization"))
		p.mu.Unlock()

		start := 0
		if c := r.URL.Query().Get("cursor"); c != "" {
			start = 2
		}
		end := start + 2
		if end > len(p.followers) {
			end = len(p.followers)
		}
		resp := map[string]interface{}{"followers": p.followers[start:end]}
		if end < len(p.followers) {
			resp["cursor"] = "page-2"
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		p.mu.Lock()
		p.posts = append(p.posts, body)
		p.auths = append(p.auths, r.Header.Get("Authorization"))
		p.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"uri": "at://did:plc:host/app.bsky.feed.post/3k", "cid": "bafy"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newFakePDS(t *testing.T) (*fakePDS, *httptest.Server) {
	pds := &fakePDS{followers: []map[string]string{
		{"did": "did:plc:a", "handle": "a.bsky.social", "displayName": "A"},
		{"did": "did:plc:b", "handle": "b.bsky.social"},
		{"did": "did:plc:c", "handle": "c.bsky.social"},
	}}
	srv := httptest.NewServer(pds.handler(t))
	t.Cleanup(srv.Close)
	return pds, srv
}

func testSealer(t *testing.T) *utils.Sealer {
	sealer, err := utils.NewSealer(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("s", 32))))
	require.NoError(t, err)
	return sealer
}

func TestCreateSessionError(t *testing.T) {
	_, srv := newFakePDS(t)
	client := NewClient(config.BlueskyConfig{ServiceURL: srv.URL})

	sess, err := client.CreateSession(context.Background(), "host.bsky.social", "app-pass")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:host", sess.DID)

	_, err = client.CreateSession(context.Background(), "host.bsky.social", "wrong")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "AuthenticationRequired", apiErr.Code)
}

func TestGetFollowersPaginatesAndCaps(t *testing.T) {
	pds, srv := newFakePDS(t)

	client := NewClient(config.BlueskyConfig{ServiceURL: srv.URL})
	followers, err := client.GetFollowers(context.Background(), Session{AccessJWT: "tok"}, "did:plc:host")
	require.NoError(t, err)
	require.Len(t, followers, 3)
	assert.Equal(t, "A", followers[0].DisplayName)
	assert.Equal(t, "Bearer tok", pds.auths[0])

	capped := NewClient(config.BlueskyConfig{ServiceURL: srv.URL, MaxFollower: 2})
	followers, err = capped.GetFollowers(context.Background(), Session{AccessJWT: "tok"}, "did:plc:host")
	require.NoError(t, err)
	assert.Len(t, followers, 2)
}

func TestBuildPostFacetsUseByteOffsets(t *testing.T) {
	post := buildPost(Mention{Handle: "@zoë.bsky.social", DID: "did:plc:z", Text: "join us ☀️", URL: "https://gather.example/rsvp/abc"}, time.Unix(0, 0))

	require.Len(t, post.Facets, 2)
	mention := post.Facets[0]
	assert.Equal(t, "@zoë.bsky.social", post.Text[mention.Index.ByteStart:mention.Index.ByteEnd])
	link := post.Facets[1]
	assert.Equal(t, "https://gather.example/rsvp/abc", post.Text[link.Index.ByteStart:link.Index.ByteEnd])
	assert.Equal(t, "app.bsky.richtext.facet#link", link.Features[0].Type)

	noDID := buildPost(Mention{Handle: "x.bsky.social"}, time.Unix(0, 0))
	assert.Empty(t, noDID.Facets)
	assert.Equal(t, "@x.bsky.social", noDID.Text)
}

func TestNormalizeHandle(t *testing.T) {
	handle, err := NormalizeHandle(" @Alice.BSKY.social ")
	require.NoError(t, err)
	assert.Equal(t, "alice.bsky.social", handle)

	for _, bad := range []string{"", "alice", "alice@example.com", "-bad.bsky.social", "spaces in.bsky.social"} {
		_, err := NormalizeHandle(bad)
		assert.ErrorIs(t, err, ErrInvalidHandle, bad)
	}
}

func TestServiceConnectSyncAndPost(t *testing.T) {
	ctx := context.Background()
	pds, srv := newFakePDS(t)
	store := repository.NewStore(testutil.OpenDB(t))
	user, err := store.Users.CreateUser(ctx, "host@example.com", "pw", "Host")
	require.NoError(t, err)

	cfg := config.BlueskyConfig{ServiceURL: srv.URL, AuthMode: "app_password"}
	client := NewClient(cfg)
	auth, err := NewAuthenticator(cfg, client, testSealer(t))
	require.NoError(t, err)
	svc := NewService(store, client, auth, zerolog.Nop())

	_, err = svc.SyncFollowers(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = svc.Connect(ctx, user.ID, "@Host.bsky.social", "wrong")
	require.Error(t, err)

	account, err := svc.Connect(ctx, user.ID, "@Host.bsky.social", "app-pass")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:host", account.DID)
	assert.NotContains(t, string(account.Secret), "app-pass")

	reloaded, err := store.Users.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.BlueskyHandle)
	assert.Equal(t, "host.bsky.social", *reloaded.BlueskyHandle)

	n, err := svc.SyncFollowers(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	followers, err := svc.ListFollowers(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, followers, 3)

	uri, err := svc.PostMention(ctx, user.ID, "b.bsky.social", "You're invited to Picnic", "https://gather.example/rsvp/t")
	require.NoError(t, err)
	assert.Contains(t, uri, "app.bsky.feed.post")

	require.Len(t, pds.posts, 1)
	assert.Equal(t, "did:plc:host", pds.posts[0]["repo"])
	record := pds.posts[0]["record"].(map[string]interface{})
	assert.True(t, strings.HasPrefix(record["text"].(string), "@b.bsky.social You're invited"))
	facets := record["facets"].([]interface{})
	mention := facets[0].(map[string]interface{})["features"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "did:plc:b", mention["did"])
}

func TestOAuthAuthRefreshesAndReseals(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakePDS(t)

	var refreshes int
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		refreshes++
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  "oauth-access",
			"token_type":    "DPoP",
			"refresh_token": "refresh-next",
			"expires_in":    1,
		})
	}))
	t.Cleanup(tokenSrv.Close)

	cfg := config.BlueskyConfig{ServiceURL: srv.URL, AuthMode: "oauth", OAuthClientID: "https://gather.example/client.json", OAuthTokenURL: tokenSrv.URL}
	sealer := testSealer(t)
	auth, err := NewAuthenticator(cfg, NewClient(cfg), sealer)
	require.NoError(t, err)
	assert.Equal(t, models.BlueskyOAuth, auth.Mode())

	did, sealed, err := auth.Connect(ctx, "host.bsky.social", "refresh-0")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:host", did)
	assert.Equal(t, 1, refreshes)

	sess, _, err := auth.Session(ctx, models.BlueskyAccount{DID: did, Handle: "host.bsky.social", Secret: sealed})
	require.NoError(t, err)
	assert.Equal(t, "oauth-access", sess.AccessJWT)
	assert.Equal(t, did, sess.DID)
}

func TestUnknownAuthMode(t *testing.T) {
	_, err := NewAuthenticator(config.BlueskyConfig{AuthMode: "magic"}, nil, nil)
	assert.Error(t, err)
}

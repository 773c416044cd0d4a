package bluesky

import (
	"context"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/config"
	"github.com/stanstork/gatherly/internal/models"
	"golang.org/x/oauth2"
)

// Sealer encrypts account secrets at rest.
type Sealer interface {
	Encrypt(plain string) ([]byte, error)
	Decrypt(data []byte) (string, error)
}

// Authenticator turns a stored account into a usable session. The
// implementation is picked once at startup from the configured auth mode.
type Authenticator interface {
	Mode() models.BlueskyAuthMode
	// Connect verifies secret for handle and returns the account DID and the
	// sealed secret to store.
	Connect(ctx context.Context, handle, secret string) (did string, sealed []byte, err error)
	// Session returns an authenticated session. A non-nil resealed value
	// replaces the stored secret.
	Session(ctx context.Context, account models.BlueskyAccount) (sess Session, resealed []byte, err error)
}

func NewAuthenticator(cfg config.BlueskyConfig, client *Client, sealer Sealer) (Authenticator, error) {
	switch models.BlueskyAuthMode(cfg.AuthMode) {
	case models.BlueskyAppPassword, "":
		return &AppPasswordAuth{client: client, sealer: sealer}, nil
	case models.BlueskyOAuth:
		return NewOAuthAuth(client, sealer, &oauth2.Config{
			ClientID: cfg.OAuthClientID,
			Endpoint: oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL, AuthStyle: oauth2.AuthStyleInParams},
		}), nil
	default:
		return nil, errors.Errorf("unsupported bluesky auth mode %q", cfg.AuthMode)
	}
}

// AppPasswordAuth logs in with a stored app password on every use.
type AppPasswordAuth struct {
	client *Client
	sealer Sealer
}

func (a *AppPasswordAuth) Mode() models.BlueskyAuthMode {
	return models.BlueskyAppPassword
}

func (a *AppPasswordAuth) Connect(ctx context.Context, handle, secret string) (string, []byte, error) {
	sess, err := a.client.CreateSession(ctx, handle, secret)
	if err != nil {
		return "", nil, err
	}
	sealed, err := a.sealer.Encrypt(secret)
	if err != nil {
		return "", nil, errors.Wrap(err, "seal app password")
	}
	return sess.DID, sealed, nil
}

func (a *AppPasswordAuth) Session(ctx context.Context, account models.BlueskyAccount) (Session, []byte, error) {
	password, err := a.sealer.Decrypt(account.Secret)
	if err != nil {
		return Session{}, nil, errors.Wrap(err, "open app password")
	}
	sess, err := a.client.CreateSession(ctx, account.Handle, password)
	if err != nil {
		return Session{}, nil, err
	}
	return sess, nil, nil
}

// OAuthAuth stores an OAuth token and refreshes it through the token
// endpoint when it expires.
type OAuthAuth struct {
	client *Client
	sealer Sealer
	oauth  *oauth2.Config
}

func NewOAuthAuth(client *Client, sealer Sealer, oauth *oauth2.Config) *OAuthAuth {
	return &OAuthAuth{client: client, sealer: sealer, oauth: oauth}
}

func (a *OAuthAuth) Mode() models.BlueskyAuthMode {
	return models.BlueskyOAuth
}

// Connect takes a refresh token, exchanges it for a fresh access token and
// seals the result.
func (a *OAuthAuth) Connect(ctx context.Context, handle, secret string) (string, []byte, error) {
	token, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: strings.TrimSpace(secret)}).Token()
	if err != nil {
		return "", nil, errors.Wrap(err, "exchange refresh token")
	}
	did, err := a.client.ResolveHandle(ctx, handle)
	if err != nil {
		return "", nil, err
	}
	sealed, err := a.seal(token)
	if err != nil {
		return "", nil, err
	}
	return did, sealed, nil
}

func (a *OAuthAuth) Session(ctx context.Context, account models.BlueskyAccount) (Session, []byte, error) {
	raw, err := a.sealer.Decrypt(account.Secret)
	if err != nil {
		return Session{}, nil, errors.Wrap(err, "open oauth token")
	}
	var stored oauth2.Token
	if err := sonic.UnmarshalString(raw, &stored); err != nil {
		return Session{}, nil, errors.Wrap(err, "decode oauth token")
	}

	token, err := a.oauth.TokenSource(ctx, &stored).Token()
	if err != nil {
		return Session{}, nil, errors.Wrap(err, "refresh oauth token")
	}

	var resealed []byte
	if token.AccessToken != stored.AccessToken {
		if resealed, err = a.seal(token); err != nil {
			return Session{}, nil, err
		}
	}
	return Session{DID: account.DID, Handle: account.Handle, AccessJWT: token.AccessToken}, resealed, nil
}

func (a *OAuthAuth) seal(token *oauth2.Token) ([]byte, error) {
	raw, err := sonic.MarshalString(token)
	if err != nil {
		return nil, errors.Wrap(err, "encode oauth token")
	}
	sealed, err := a.sealer.Encrypt(raw)
	if err != nil {
		return nil, errors.Wrap(err, "seal oauth token")
	}
	return sealed, nil
}

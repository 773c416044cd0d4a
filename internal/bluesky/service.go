package bluesky

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/models"
	"github.com/stanstork/gatherly/internal/repository"
)

var (
	ErrNotConnected  = errors.New("bluesky account not connected")
	ErrInvalidHandle = errors.New("invalid bluesky handle")
)

var handlePattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NormalizeHandle lower-cases a handle, strips a leading @ and checks the
// domain-style syntax.
func NormalizeHandle(raw string) (string, error) {
	handle := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if len(handle) > 253 || !handlePattern.MatchString(handle) {
		return "", errors.Wrapf(ErrInvalidHandle, "%q", raw)
	}
	return handle, nil
}

type Service struct {
	store  *repository.Store
	client *Client
	auth   Authenticator
	logger zerolog.Logger
}

func NewService(store *repository.Store, client *Client, auth Authenticator, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		client: client,
		auth:   auth,
		logger: logger.With().Str("component", "bluesky").Logger(),
	}
}

// Connect links a Bluesky account to the user and records the handle on the
// user so invitations addressed to it can be claimed.
func (s *Service) Connect(ctx context.Context, userID int64, rawHandle, secret string) (models.BlueskyAccount, error) {
	handle, err := NormalizeHandle(rawHandle)
	if err != nil {
		return models.BlueskyAccount{}, err
	}
	if strings.TrimSpace(secret) == "" {
		return models.BlueskyAccount{}, errors.New("bluesky secret is required")
	}

	did, sealed, err := s.auth.Connect(ctx, handle, secret)
	if err != nil {
		return models.BlueskyAccount{}, err
	}

	var account models.BlueskyAccount
	err = s.store.WithTx(ctx, func(repos repository.Repositories) error {
		var err error
		account, err = repos.Bluesky.UpsertAccount(ctx, models.BlueskyAccount{
			UserID:   userID,
			Handle:   handle,
			DID:      did,
			AuthMode: s.auth.Mode(),
			Secret:   sealed,
		})
		if err != nil {
			return err
		}
		_, err = repos.Users.SetBlueskyHandle(ctx, userID, handle)
		return err
	})
	if err != nil {
		return models.BlueskyAccount{}, err
	}

	s.logger.Info().Int64("user_id", userID).Str("handle", handle).Str("auth_mode", string(account.AuthMode)).Msg("bluesky account connected")
	return account, nil
}

// SyncFollowers refreshes the cached follower list from the network.
func (s *Service) SyncFollowers(ctx context.Context, userID int64) (int, error) {
	account, sess, err := s.session(ctx, userID)
	if err != nil {
		return 0, err
	}

	followers, err := s.client.GetFollowers(ctx, sess, account.DID)
	if err != nil {
		return 0, err
	}

	var stored int
	err = s.store.WithTx(ctx, func(repos repository.Repositories) error {
		var err error
		stored, err = repos.Bluesky.ReplaceFollowers(ctx, userID, followers)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info().Int64("user_id", userID).Int("followers", stored).Msg("bluesky followers synced")
	return stored, nil
}

func (s *Service) ListFollowers(ctx context.Context, userID int64) ([]models.Follower, error) {
	return s.store.Bluesky.ListFollowers(ctx, userID)
}

// PostMention posts on the user's behalf mentioning handle. It returns the
// URI of the created post.
func (s *Service) PostMention(ctx context.Context, userID int64, handle, text, link string) (string, error) {
	_, sess, err := s.session(ctx, userID)
	if err != nil {
		return "", err
	}

	var did string
	if followers, err := s.store.Bluesky.FollowersByHandle(ctx, userID, []string{handle}); err == nil {
		if f, ok := followers[strings.ToLower(strings.TrimPrefix(handle, "@"))]; ok {
			did = f.DID
		}
	}

	return s.client.PostMention(ctx, sess, Mention{Handle: handle, DID: did, Text: text, URL: link})
}

func (s *Service) session(ctx context.Context, userID int64) (models.BlueskyAccount, Session, error) {
	account, err := s.store.Bluesky.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.BlueskyAccount{}, Session{}, ErrNotConnected
		}
		return models.BlueskyAccount{}, Session{}, err
	}

	sess, resealed, err := s.auth.Session(ctx, account)
	if err != nil {
		return models.BlueskyAccount{}, Session{}, err
	}
	if resealed != nil {
		account.Secret = resealed
		if _, err := s.store.Bluesky.UpsertAccount(ctx, account); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to store refreshed bluesky token")
		}
	}
	return account, sess, nil
}

package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/models"
)

type BlueskyRepository interface {
	UpsertAccount(ctx context.Context, account models.BlueskyAccount) (models.BlueskyAccount, error)
	GetAccount(ctx context.Context, userID int64) (models.BlueskyAccount, error)
	ReplaceFollowers(ctx context.Context, userID int64, followers []models.Follower) (int, error)
	ListFollowers(ctx context.Context, userID int64) ([]models.Follower, error)
	FollowersByHandle(ctx context.Context, userID int64, handles []string) (map[string]models.Follower, error)
}

type blueskyRepository struct {
	db  DBTX
	now Clock
}

func NewBlueskyRepository(db DBTX) BlueskyRepository {
	return &blueskyRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *blueskyRepository) UpsertAccount(ctx context.Context, account models.BlueskyAccount) (models.BlueskyAccount, error) {
	const query = `
		INSERT INTO bluesky_accounts (user_id, handle, did, auth_mode, secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET handle = excluded.handle, did = excluded.did, auth_mode = excluded.auth_mode,
			secret = excluded.secret, updated_at = excluded.updated_at
		RETURNING user_id, handle, did, auth_mode, secret, created_at, updated_at`

	saved, err := scanBlueskyAccount(r.db.QueryRowContext(ctx, query,
		account.UserID, NormalizeRecipient(account.Handle), account.DID, account.AuthMode, account.Secret, r.now()))
	if err != nil {
		return models.BlueskyAccount{}, errors.Wrap(err, "upsert bluesky account")
	}
	return saved, nil
}

func (r *blueskyRepository) GetAccount(ctx context.Context, userID int64) (models.BlueskyAccount, error) {
	const query = `
		SELECT user_id, handle, did, auth_mode, secret, created_at, updated_at
		FROM bluesky_accounts
		WHERE user_id = $1`

	account, err := scanBlueskyAccount(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.BlueskyAccount{}, ErrNotFound
		}
		return models.BlueskyAccount{}, errors.Wrap(err, "get bluesky account")
	}
	return account, nil
}

// ReplaceFollowers swaps the cached follower list for a user. Callers should
// run it inside a transaction.
func (r *blueskyRepository) ReplaceFollowers(ctx context.Context, userID int64, followers []models.Follower) (int, error) {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM bluesky_followers WHERE user_id = $1`, userID); err != nil {
		return 0, errors.Wrap(err, "clear followers")
	}

	const query = `
		INSERT INTO bluesky_followers (user_id, did, handle, display_name, synced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, did) DO NOTHING`

	now := r.now()
	inserted := 0
	for _, f := range followers {
		if f.DID == "" || f.Handle == "" {
			continue
		}
		res, err := r.db.ExecContext(ctx, query, userID, f.DID, NormalizeRecipient(f.Handle), f.DisplayName, now)
		if err != nil {
			return inserted, errors.Wrap(err, "insert follower")
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}

func (r *blueskyRepository) ListFollowers(ctx context.Context, userID int64) ([]models.Follower, error) {
	const query = `
		SELECT user_id, did, handle, display_name, synced_at
		FROM bluesky_followers
		WHERE user_id = $1
		ORDER BY handle`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list followers")
	}
	defer rows.Close()

	var followers []models.Follower
	for rows.Next() {
		var f models.Follower
		if err := rows.Scan(&f.UserID, &f.DID, &f.Handle, &f.DisplayName, &f.SyncedAt); err != nil {
			return nil, errors.Wrap(err, "scan follower")
		}
		f.SyncedAt = f.SyncedAt.UTC()
		followers = append(followers, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return followers, nil
}

// FollowersByHandle returns the cached followers matching handles, keyed by
// normalized handle. Handles that are not followers are absent from the map.
func (r *blueskyRepository) FollowersByHandle(ctx context.Context, userID int64, handles []string) (map[string]models.Follower, error) {
	args := []interface{}{userID}
	for _, h := range handles {
		if normalized := NormalizeRecipient(h); normalized != "" {
			args = append(args, normalized)
		}
	}
	out := make(map[string]models.Follower)
	if len(args) == 1 {
		return out, nil
	}

	query := `
		SELECT user_id, did, handle, display_name, synced_at
		FROM bluesky_followers
		WHERE user_id = $1 AND handle IN (` + placeholders(2, len(args)-1) + `)`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "lookup followers")
	}
	defer rows.Close()

	for rows.Next() {
		var f models.Follower
		if err := rows.Scan(&f.UserID, &f.DID, &f.Handle, &f.DisplayName, &f.SyncedAt); err != nil {
			return nil, errors.Wrap(err, "scan follower")
		}
		f.SyncedAt = f.SyncedAt.UTC()
		out[f.Handle] = f
	}
	return out, rows.Err()
}

func scanBlueskyAccount(row scanner) (models.BlueskyAccount, error) {
	var (
		account models.BlueskyAccount
		mode    string
	)
	if err := row.Scan(&account.UserID, &account.Handle, &account.DID, &mode, &account.Secret, &account.CreatedAt, &account.UpdatedAt); err != nil {
		return models.BlueskyAccount{}, err
	}
	account.AuthMode = models.BlueskyAuthMode(mode)
	switch account.AuthMode {
	case models.BlueskyAppPassword, models.BlueskyOAuth:
	default:
		return models.BlueskyAccount{}, errors.Errorf("unknown bluesky auth mode %q", mode)
	}
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return account, nil
}

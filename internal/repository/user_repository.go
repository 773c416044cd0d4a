package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveUser       = errors.New("user is inactive")
)

const userColumns = `id, email, display_name, bluesky_handle, password_hash, is_active, email_verified_at, created_at`

type UserRepository interface {
	CreateUser(ctx context.Context, email, password, displayName string) (models.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserByID(ctx context.Context, userID int64) (models.User, error)
	FindByRecipient(ctx context.Context, recipient string) (models.User, error)
	SetBlueskyHandle(ctx context.Context, userID int64, handle string) (models.User, error)
	MarkEmailVerified(ctx context.Context, userID int64, email string) (models.User, error)
}

type userRepository struct {
	db  DBTX
	now Clock
}

func NewUserRepository(db DBTX) UserRepository {
	return &userRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (u *userRepository) CreateUser(ctx context.Context, email, password, displayName string) (models.User, error) {
	email = NormalizeRecipient(email)
	if email == "" {
		return models.User{}, errors.New("email is required")
	}
	if password == "" {
		return models.User{}, errors.New("password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	query := `
		INSERT INTO users (email, display_name, password_hash, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $4)
		RETURNING ` + userColumns

	user, err := scanUser(u.db.QueryRowContext(ctx, query, email, strings.TrimSpace(displayName), string(hash), u.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrDuplicate
		}
		return models.User{}, errors.Wrap(err, "insert user")
	}
	return user, nil
}

func (u *userRepository) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	user, err := u.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}

	if !user.IsActive {
		return models.User{}, ErrInactiveUser
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}

	return user, nil
}

func (u *userRepository) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return u.getOne(ctx, query, NormalizeRecipient(email))
}

func (u *userRepository) GetUserByID(ctx context.Context, userID int64) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return u.getOne(ctx, query, userID)
}

// FindByRecipient resolves an invitation recipient to an account by verified
// email address or Bluesky handle.
func (u *userRepository) FindByRecipient(ctx context.Context, recipient string) (models.User, error) {
	recipient = NormalizeRecipient(recipient)
	if recipient == "" {
		return models.User{}, ErrNotFound
	}
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE is_active AND ((email = $1 AND email_verified_at IS NOT NULL) OR bluesky_handle = $1)
		ORDER BY id
		LIMIT 1`
	return u.getOne(ctx, query, recipient)
}

func (u *userRepository) SetBlueskyHandle(ctx context.Context, userID int64, handle string) (models.User, error) {
	query := `
		UPDATE users
		SET bluesky_handle = $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + userColumns

	user, err := scanUser(u.db.QueryRowContext(ctx, query, userID, NormalizeRecipient(handle), u.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		if isUniqueViolation(err) {
			return models.User{}, ErrDuplicate
		}
		return models.User{}, errors.Wrap(err, "update bluesky handle")
	}
	return user, nil
}

// MarkEmailVerified records that the user proved ownership of email. It
// returns ErrNotFound when email is no longer the user's address, so a
// verification link issued before an address change cannot verify the new one.
func (u *userRepository) MarkEmailVerified(ctx context.Context, userID int64, email string) (models.User, error) {
	query := `
		UPDATE users
		SET email_verified_at = COALESCE(email_verified_at, $3), updated_at = $3
		WHERE id = $1 AND email = $2
		RETURNING ` + userColumns

	user, err := scanUser(u.db.QueryRowContext(ctx, query, userID, NormalizeRecipient(email), u.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, errors.Wrap(err, "mark email verified")
	}
	return user, nil
}

func (u *userRepository) getOne(ctx context.Context, query string, args ...interface{}) (models.User, error) {
	user, err := scanUser(u.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, errors.Wrap(err, "get user")
	}
	return user, nil
}

func scanUser(row scanner) (models.User, error) {
	var (
		user       models.User
		handle     sql.NullString
		verifiedAt sql.NullTime
	)
	if err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &handle, &user.PasswordHash, &user.IsActive, &verifiedAt, &user.CreatedAt); err != nil {
		return models.User{}, err
	}
	if handle.Valid && handle.String != "" {
		h := handle.String
		user.BlueskyHandle = &h
	}
	user.EmailVerifiedAt = timePtr(verifiedAt)
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

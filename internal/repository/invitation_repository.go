package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/models"
)

const invitationColumns = `id, entity_type, entity_id, recipient, status, rsvp_token, channel, invited_by,
	user_id, message, send_count, last_sent_at, delivery_error, created_at, updated_at, responded_at`

type UpsertInvitationParams struct {
	EntityType models.EntityType
	EntityID   int64
	Recipient  string
	Channel    models.Channel
	InvitedBy  int64
	UserID     *int64
	Message    string
}

type InvitationFilter struct {
	Statuses []models.InvitationStatus
	Channel  models.Channel
}

// StatusChange carries optional side data written with a status update.
// When From is set the update only applies to a row in that status;
// otherwise the current status is read first.
type StatusChange struct {
	From      models.InvitationStatus
	Responded bool
	UserID    *int64
}

type InvitationRepository interface {
	UpsertPending(ctx context.Context, params UpsertInvitationParams) (models.Invitation, bool, error)
	GetByID(ctx context.Context, id int64) (models.Invitation, error)
	GetByToken(ctx context.Context, token string) (models.Invitation, error)
	GetActive(ctx context.Context, entityType models.EntityType, entityID int64, recipient string) (models.Invitation, error)
	SetStatus(ctx context.Context, id int64, to models.InvitationStatus, change StatusChange) (models.Invitation, error)
	RecordDelivery(ctx context.Context, id int64, deliveryErr string) (models.Invitation, error)
	BindUser(ctx context.Context, id, userID int64) (models.Invitation, error)
	ListForEntity(ctx context.Context, entityType models.EntityType, entityID int64, filter InvitationFilter) ([]models.Invitation, error)
	ListUnboundConfirmed(ctx context.Context, recipients []string) ([]models.Invitation, error)
	CountByStatus(ctx context.Context, entityType models.EntityType, entityID int64) (map[models.InvitationStatus]int, error)
}

type invitationRepository struct {
	db       DBTX
	now      Clock
	newToken func() (string, error)
}

func NewInvitationRepository(db DBTX) InvitationRepository {
	return &invitationRepository{db: db, now: func() time.Time { return time.Now().UTC() }, newToken: NewRSVPToken}
}

// NewRSVPToken returns 32 random bytes encoded for use in a URL path.
func NewRSVPToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NormalizeRecipient lower-cases and trims a recipient identifier so email
// addresses and handles compare equal regardless of how they were typed.
func NormalizeRecipient(recipient string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(recipient), "@")))
}

// UpsertPending inserts a pending invitation unless the recipient already
// holds an active one for the entity, in which case the existing row is
// returned untouched and created is false.
func (r *invitationRepository) UpsertPending(ctx context.Context, params UpsertInvitationParams) (models.Invitation, bool, error) {
	recipient := NormalizeRecipient(params.Recipient)
	if recipient == "" {
		return models.Invitation{}, false, errors.New("recipient is required")
	}

	query := `
		INSERT INTO invitations (entity_type, entity_id, recipient, status, rsvp_token, channel, invited_by, user_id, message, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (entity_type, entity_id, recipient) WHERE status <> 'cancelled' DO NOTHING
		RETURNING ` + invitationColumns

	// The active row can be cancelled between the conflicting insert and the
	// lookup; a second attempt then inserts cleanly.
	for attempt := 0; attempt < 3; attempt++ {
		token, err := r.newToken()
		if err != nil {
			return models.Invitation{}, false, errors.Wrap(err, "generate rsvp token")
		}

		row := r.db.QueryRowContext(ctx, query,
			params.EntityType, params.EntityID, recipient, token, params.Channel,
			params.InvitedBy, nullInt64(params.UserID), params.Message, r.now(),
		)
		inv, err := scanInvitation(row)
		if err == nil {
			return inv, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Invitation{}, false, errors.Wrap(err, "insert invitation")
		}

		existing, err := r.GetActive(ctx, params.EntityType, params.EntityID, recipient)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return models.Invitation{}, false, err
		}
	}
	return models.Invitation{}, false, errors.Wrap(ErrStatusConflict, "upsert invitation")
}

func (r *invitationRepository) GetByID(ctx context.Context, id int64) (models.Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *invitationRepository) GetByToken(ctx context.Context, token string) (models.Invitation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Invitation{}, ErrNotFound
	}
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE rsvp_token = $1`
	return r.getOne(ctx, query, token)
}

func (r *invitationRepository) GetActive(ctx context.Context, entityType models.EntityType, entityID int64, recipient string) (models.Invitation, error) {
	query := `
		SELECT ` + invitationColumns + `
		FROM invitations
		WHERE entity_type = $1 AND entity_id = $2 AND recipient = $3 AND status <> 'cancelled'`
	return r.getOne(ctx, query, entityType, entityID, NormalizeRecipient(recipient))
}

func (r *invitationRepository) getOne(ctx context.Context, query string, args ...interface{}) (models.Invitation, error) {
	inv, err := scanInvitation(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Invitation{}, ErrNotFound
		}
		return models.Invitation{}, errors.Wrap(err, "get invitation")
	}
	return inv, nil
}

// SetStatus moves an invitation to the given status. The update only
// applies if the row still holds the status it was read with; otherwise
// ErrStatusConflict is returned and nothing changes.
func (r *invitationRepository) SetStatus(ctx context.Context, id int64, to models.InvitationStatus, change StatusChange) (models.Invitation, error) {
	if !to.IsValid() {
		return models.Invitation{}, errors.Wrapf(ErrInvalidTransition, "unknown status %q", to)
	}

	from := change.From
	if from == "" {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return models.Invitation{}, err
		}
		from = current.Status
	}
	if !models.CanTransition(from, to) {
		return models.Invitation{}, errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}

	now := r.now()
	var respondedAt *time.Time
	if change.Responded {
		respondedAt = &now
	}

	query := `
		UPDATE invitations
		SET status = $3, updated_at = $4, responded_at = COALESCE($5, responded_at), user_id = COALESCE(user_id, $6)
		WHERE id = $1 AND status = $2
		RETURNING ` + invitationColumns

	inv, err := scanInvitation(r.db.QueryRowContext(ctx, query, id, from, to, now, nullTime(respondedAt), nullInt64(change.UserID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return models.Invitation{}, getErr
			}
			return models.Invitation{}, ErrStatusConflict
		}
		return models.Invitation{}, errors.Wrap(err, "update invitation status")
	}
	return inv, nil
}

// RecordDelivery bumps the send counter and stores the outcome of the last
// delivery attempt. An empty deliveryErr clears a previous failure.
func (r *invitationRepository) RecordDelivery(ctx context.Context, id int64, deliveryErr string) (models.Invitation, error) {
	query := `
		UPDATE invitations
		SET send_count = send_count + 1, last_sent_at = $2, delivery_error = $3, updated_at = $2
		WHERE id = $1
		RETURNING ` + invitationColumns

	inv, err := scanInvitation(r.db.QueryRowContext(ctx, query, id, r.now(), deliveryErr))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Invitation{}, ErrNotFound
		}
		return models.Invitation{}, errors.Wrap(err, "record delivery")
	}
	return inv, nil
}

// BindUser ties a guest invitation to an account. It fails with
// ErrStatusConflict if the invitation is already bound.
func (r *invitationRepository) BindUser(ctx context.Context, id, userID int64) (models.Invitation, error) {
	query := `
		UPDATE invitations
		SET user_id = $2, updated_at = $3
		WHERE id = $1 AND user_id IS NULL
		RETURNING ` + invitationColumns

	inv, err := scanInvitation(r.db.QueryRowContext(ctx, query, id, userID, r.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return models.Invitation{}, getErr
			}
			return models.Invitation{}, ErrStatusConflict
		}
		return models.Invitation{}, errors.Wrap(err, "bind invitation")
	}
	return inv, nil
}

func (r *invitationRepository) ListForEntity(ctx context.Context, entityType models.EntityType, entityID int64, filter InvitationFilter) ([]models.Invitation, error) {
	args := []interface{}{entityType, entityID}
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE entity_type = $1 AND entity_id = $2`

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", placeholders(len(args)+1, len(filter.Statuses)))
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	if filter.Channel != "" {
		args = append(args, filter.Channel)
		query += fmt.Sprintf(" AND channel = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"

	return r.list(ctx, query, args...)
}

// ListUnboundConfirmed returns confirmed invitations addressed to any of the
// recipients that have not been bound to an account yet.
func (r *invitationRepository) ListUnboundConfirmed(ctx context.Context, recipients []string) ([]models.Invitation, error) {
	args := make([]interface{}, 0, len(recipients))
	for _, recipient := range recipients {
		if normalized := NormalizeRecipient(recipient); normalized != "" {
			args = append(args, normalized)
		}
	}
	if len(args) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + invitationColumns + `
		FROM invitations
		WHERE user_id IS NULL AND status = 'confirmed' AND recipient IN (` + placeholders(1, len(args)) + `)
		ORDER BY id`
	return r.list(ctx, query, args...)
}

func (r *invitationRepository) CountByStatus(ctx context.Context, entityType models.EntityType, entityID int64) (map[models.InvitationStatus]int, error) {
	const query = `
		SELECT status, COUNT(*)
		FROM invitations
		WHERE entity_type = $1 AND entity_id = $2
		GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, "count invitations")
	}
	defer rows.Close()

	counts := make(map[models.InvitationStatus]int)
	for rows.Next() {
		var (
			raw   string
			count int
		)
		if err := rows.Scan(&raw, &count); err != nil {
			return nil, errors.Wrap(err, "scan invitation count")
		}
		status, err := models.ParseInvitationStatus(raw)
		if err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *invitationRepository) list(ctx context.Context, query string, args ...interface{}) ([]models.Invitation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list invitations")
	}
	defer rows.Close()

	var invitations []models.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan invitation")
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invitations, nil
}

func scanInvitation(row scanner) (models.Invitation, error) {
	var (
		inv         models.Invitation
		entityType  string
		status      string
		channel     string
		userID      sql.NullInt64
		lastSentAt  sql.NullTime
		respondedAt sql.NullTime
	)

	if err := row.Scan(
		&inv.ID,
		&entityType,
		&inv.EntityID,
		&inv.Recipient,
		&status,
		&inv.RSVPToken,
		&channel,
		&inv.InvitedBy,
		&userID,
		&inv.Message,
		&inv.SendCount,
		&lastSentAt,
		&inv.DeliveryError,
		&inv.CreatedAt,
		&inv.UpdatedAt,
		&respondedAt,
	); err != nil {
		return models.Invitation{}, err
	}

	var err error
	if inv.EntityType, err = models.ParseEntityType(entityType); err != nil {
		return models.Invitation{}, err
	}
	if inv.Status, err = models.ParseInvitationStatus(status); err != nil {
		return models.Invitation{}, err
	}
	if inv.Channel, err = models.ParseChannel(channel); err != nil {
		return models.Invitation{}, err
	}
	inv.UserID = int64Ptr(userID)
	inv.LastSentAt = timePtr(lastSentAt)
	inv.RespondedAt = timePtr(respondedAt)
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return inv, nil
}

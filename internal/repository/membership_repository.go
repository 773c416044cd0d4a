package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/models"
)

const membershipColumns = `id, entity_type, entity_id, user_id, role, status, invitation_id, joined_at, removed_at`

type EnsureMembershipParams struct {
	EntityType   models.EntityType
	EntityID     int64
	UserID       int64
	Role         models.MemberRole
	InvitationID *int64
}

type MembershipRepository interface {
	Ensure(ctx context.Context, params EnsureMembershipParams) (models.Membership, bool, error)
	GetActive(ctx context.Context, entityType models.EntityType, entityID, userID int64) (models.Membership, error)
	GetByInvitation(ctx context.Context, invitationID int64) (models.Membership, error)
	Remove(ctx context.Context, id int64) (models.Membership, error)
	ListForEntity(ctx context.Context, entityType models.EntityType, entityID int64) ([]models.Membership, error)
	CountActive(ctx context.Context, entityType models.EntityType, entityID int64) (int, error)
}

type membershipRepository struct {
	db  DBTX
	now Clock
}

func NewMembershipRepository(db DBTX) MembershipRepository {
	return &membershipRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Ensure creates an active membership unless one already exists. The
// existing row is returned as-is with created set to false.
func (r *membershipRepository) Ensure(ctx context.Context, params EnsureMembershipParams) (models.Membership, bool, error) {
	if params.Role == "" {
		params.Role = models.RoleMember
	}

	query := `
		INSERT INTO memberships (entity_type, entity_id, user_id, role, status, invitation_id, joined_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $6)
		ON CONFLICT (entity_type, entity_id, user_id) WHERE status = 'active' DO NOTHING
		RETURNING ` + membershipColumns

	row := r.db.QueryRowContext(ctx, query, params.EntityType, params.EntityID, params.UserID, params.Role, nullInt64(params.InvitationID), r.now())
	m, err := scanMembership(row)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Membership{}, false, errors.Wrap(err, "insert membership")
	}

	existing, err := r.GetActive(ctx, params.EntityType, params.EntityID, params.UserID)
	if err != nil {
		return models.Membership{}, false, err
	}
	return existing, false, nil
}

func (r *membershipRepository) GetActive(ctx context.Context, entityType models.EntityType, entityID, userID int64) (models.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE entity_type = $1 AND entity_id = $2 AND user_id = $3 AND status = 'active'`
	return r.getOne(ctx, query, entityType, entityID, userID)
}

func (r *membershipRepository) GetByInvitation(ctx context.Context, invitationID int64) (models.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE invitation_id = $1 AND status = 'active'`
	return r.getOne(ctx, query, invitationID)
}

func (r *membershipRepository) getOne(ctx context.Context, query string, args ...interface{}) (models.Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Membership{}, ErrNotFound
		}
		return models.Membership{}, errors.Wrap(err, "get membership")
	}
	return m, nil
}

// Remove marks an active membership as removed. Removing an already removed
// membership returns ErrStatusConflict.
func (r *membershipRepository) Remove(ctx context.Context, id int64) (models.Membership, error) {
	query := `
		UPDATE memberships
		SET status = 'removed', removed_at = $2
		WHERE id = $1 AND status = 'active'
		RETURNING ` + membershipColumns

	m, err := scanMembership(r.db.QueryRowContext(ctx, query, id, r.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Membership{}, ErrStatusConflict
		}
		return models.Membership{}, errors.Wrap(err, "remove membership")
	}
	return m, nil
}

func (r *membershipRepository) ListForEntity(ctx context.Context, entityType models.EntityType, entityID int64) ([]models.Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM memberships
		WHERE entity_type = $1 AND entity_id = $2 AND status = 'active'
		ORDER BY joined_at, id`

	rows, err := r.db.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, "list memberships")
	}
	defer rows.Close()

	var memberships []models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan membership")
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return memberships, nil
}

func (r *membershipRepository) CountActive(ctx context.Context, entityType models.EntityType, entityID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM memberships WHERE entity_type = $1 AND entity_id = $2 AND status = 'active'`
	var count int
	if err := r.db.QueryRowContext(ctx, query, entityType, entityID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count memberships")
	}
	return count, nil
}

func scanMembership(row scanner) (models.Membership, error) {
	var (
		m            models.Membership
		entityType   string
		role         string
		status       string
		invitationID sql.NullInt64
		removedAt    sql.NullTime
	)
	if err := row.Scan(&m.ID, &entityType, &m.EntityID, &m.UserID, &role, &status, &invitationID, &m.JoinedAt, &removedAt); err != nil {
		return models.Membership{}, err
	}

	var err error
	if m.EntityType, err = models.ParseEntityType(entityType); err != nil {
		return models.Membership{}, err
	}
	if m.Role, err = models.ParseMemberRole(role); err != nil {
		return models.Membership{}, err
	}
	if m.Status, err = models.ParseMembershipStatus(status); err != nil {
		return models.Membership{}, err
	}
	m.InvitationID = int64Ptr(invitationID)
	m.RemovedAt = timePtr(removedAt)
	m.JoinedAt = m.JoinedAt.UTC()
	return m, nil
}

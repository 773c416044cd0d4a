package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/models"
)

type CreateEventParams struct {
	OwnerID     int64
	CommunityID *int64
	Title       string
	StartsAt    time.Time
}

type EntityRepository interface {
	CreateEvent(ctx context.Context, params CreateEventParams) (models.Event, error)
	GetEvent(ctx context.Context, id int64) (models.Event, error)
	AdjustGuestTotal(ctx context.Context, eventID int64, delta int) (models.Event, error)
	CreateCommunity(ctx context.Context, ownerID int64, name string, kind models.CommunityKind) (models.Community, error)
	GetCommunity(ctx context.Context, id int64) (models.Community, error)
	GetEntity(ctx context.Context, entityType models.EntityType, id int64) (models.Entity, error)
}

type entityRepository struct {
	db  DBTX
	now Clock
}

func NewEntityRepository(db DBTX) EntityRepository {
	return &entityRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *entityRepository) CreateEvent(ctx context.Context, params CreateEventParams) (models.Event, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Event{}, errors.New("event title is required")
	}

	const query = `
		INSERT INTO events (owner_id, community_id, title, starts_at, guest_total, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING id, owner_id, community_id, title, starts_at, guest_total, created_at`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, params.OwnerID, nullInt64(params.CommunityID), title, params.StartsAt.UTC(), r.now()))
	if err != nil {
		return models.Event{}, errors.Wrap(err, "insert event")
	}
	return event, nil
}

func (r *entityRepository) GetEvent(ctx context.Context, id int64) (models.Event, error) {
	const query = `
		SELECT id, owner_id, community_id, title, starts_at, guest_total, created_at
		FROM events
		WHERE id = $1`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Event{}, ErrNotFound
		}
		return models.Event{}, errors.Wrap(err, "get event")
	}
	return event, nil
}

// AdjustGuestTotal adds delta to the event's guest count. The count never
// drops below zero.
func (r *entityRepository) AdjustGuestTotal(ctx context.Context, eventID int64, delta int) (models.Event, error) {
	const query = `
		UPDATE events
		SET guest_total = CASE WHEN guest_total + $2 < 0 THEN 0 ELSE guest_total + $2 END
		WHERE id = $1
		RETURNING id, owner_id, community_id, title, starts_at, guest_total, created_at`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, eventID, delta))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Event{}, ErrNotFound
		}
		return models.Event{}, errors.Wrap(err, "adjust guest total")
	}
	return event, nil
}

func (r *entityRepository) CreateCommunity(ctx context.Context, ownerID int64, name string, kind models.CommunityKind) (models.Community, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Community{}, errors.New("community name is required")
	}
	if kind == "" {
		kind = models.CommunityPublic
	}
	if !kind.IsValid() {
		return models.Community{}, errors.Errorf("unknown community kind %q", kind)
	}

	const query = `
		INSERT INTO communities (owner_id, name, kind, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, owner_id, name, kind, created_at`

	community, err := scanCommunity(r.db.QueryRowContext(ctx, query, ownerID, name, kind, r.now()))
	if err != nil {
		return models.Community{}, errors.Wrap(err, "insert community")
	}
	return community, nil
}

func (r *entityRepository) GetCommunity(ctx context.Context, id int64) (models.Community, error) {
	const query = `SELECT id, owner_id, name, kind, created_at FROM communities WHERE id = $1`

	community, err := scanCommunity(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Community{}, ErrNotFound
		}
		return models.Community{}, errors.Wrap(err, "get community")
	}
	return community, nil
}

func (r *entityRepository) GetEntity(ctx context.Context, entityType models.EntityType, id int64) (models.Entity, error) {
	switch entityType {
	case models.EntityEvent:
		event, err := r.GetEvent(ctx, id)
		if err != nil {
			return models.Entity{}, err
		}
		return event.Entity(), nil
	case models.EntityCommunity:
		community, err := r.GetCommunity(ctx, id)
		if err != nil {
			return models.Entity{}, err
		}
		return community.Entity(), nil
	default:
		return models.Entity{}, errors.Errorf("unknown entity type %q", entityType)
	}
}

func scanEvent(row scanner) (models.Event, error) {
	var (
		event       models.Event
		communityID sql.NullInt64
	)
	if err := row.Scan(&event.ID, &event.OwnerID, &communityID, &event.Title, &event.StartsAt, &event.GuestTotal, &event.CreatedAt); err != nil {
		return models.Event{}, err
	}
	event.CommunityID = int64Ptr(communityID)
	event.StartsAt = event.StartsAt.UTC()
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}

func scanCommunity(row scanner) (models.Community, error) {
	var (
		community models.Community
		kind      string
	)
	if err := row.Scan(&community.ID, &community.OwnerID, &community.Name, &kind, &community.CreatedAt); err != nil {
		return models.Community{}, err
	}
	community.Kind = models.CommunityKind(kind)
	if !community.Kind.IsValid() {
		return models.Community{}, errors.Errorf("unknown community kind %q", kind)
	}
	community.CreatedAt = community.CreatedAt.UTC()
	return community, nil
}

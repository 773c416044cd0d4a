package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/stanstork/gatherly/internal/models"
)

type NotificationRepository interface {
	Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error)
	ListRecent(ctx context.Context, userID int64, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID int64) (models.Notification, error)
}

type notificationRepository struct {
	db  DBTX
	now Clock
}

type CreateNotificationParams struct {
	UserID   int64
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

func NewNotificationRepository(db DBTX) NotificationRepository {
	return &notificationRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *notificationRepository) Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	const query = `
		INSERT INTO notifications (user_id, event_type, severity, title, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, user_id, event_type, severity, title, message, metadata, created_at, read_at
	`

	var metadata interface{}
	if len(params.Metadata) > 0 {
		bytes, err := sonic.Marshal(params.Metadata)
		if err != nil {
			return models.Notification{}, errors.Wrap(err, "marshal metadata")
		}
		metadata = string(bytes)
	}

	row := r.db.QueryRowContext(ctx, query, params.UserID, params.Event, params.Severity,
		strings.TrimSpace(params.Title), params.Message, metadata, r.now())
	notif, err := scanNotification(row)
	if err != nil {
		return models.Notification{}, errors.Wrap(err, "insert notification")
	}
	return notif, nil
}

func (r *notificationRepository) ListRecent(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	const query = `
		SELECT id, user_id, event_type, severity, title, message, metadata, created_at, read_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list notifications")
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, userID, notificationID int64) (models.Notification, error) {
	const query = `
		UPDATE notifications
		SET read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, event_type, severity, title, message, metadata, created_at, read_at
	`
	notif, err := scanNotification(r.db.QueryRowContext(ctx, query, notificationID, userID, r.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Notification{}, ErrNotFound
		}
		return models.Notification{}, errors.Wrap(err, "mark notification read")
	}
	return notif, nil
}

func scanNotification(row scanner) (models.Notification, error) {
	var (
		notif       models.Notification
		eventType   string
		severity    string
		metadataRaw []byte
		readAt      sql.NullTime
	)

	if err := row.Scan(
		&notif.ID,
		&notif.UserID,
		&eventType,
		&severity,
		&notif.Title,
		&notif.Message,
		&metadataRaw,
		&notif.CreatedAt,
		&readAt,
	); err != nil {
		return models.Notification{}, err
	}

	notif.EventType = models.NotificationEvent(eventType)
	notif.Severity = models.NotificationSeverity(severity)
	if len(metadataRaw) > 0 {
		notif.Metadata = metadataRaw
	}
	notif.ReadAt = timePtr(readAt)
	notif.CreatedAt = notif.CreatedAt.UTC()
	return notif, nil
}

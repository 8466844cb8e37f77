package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pulsehq/notify-api/internal/model"
	"github.com/pulsehq/notify-api/internal/repository"
)

type notificationRepository struct {
	db *sqlx.DB
}

func NewNotificationRepository(db *sqlx.DB) repository.NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = `
	id, tenant_id, user_id, role_code, type, category, title, message,
	data, priority, is_read, read_at, created_at, expire_at
`

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES (:id, :tenant_id, :user_id, :role_code, :type, :category, :title,
		        :message, :data, :priority, :is_read, :read_at, :created_at, :expire_at)
	`
	_, err := r.db.NamedExecContext(ctx, query, n)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) CreateBatch(ctx context.Context, ns []*model.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES (:id, :tenant_id, :user_id, :role_code, :type, :category, :title,
		        :message, :data, :priority, :is_read, :read_at, :created_at, :expire_at)
	`
	// sqlx expands a slice of named structs into a multi-row VALUES clause.
	_, err := r.db.NamedExecContext(ctx, query, ns)
	if err != nil {
		return fmt.Errorf("failed to create notifications: %w", err)
	}
	return nil
}

func (r *notificationRepository) List(ctx context.Context, tenantID, userID uuid.UUID, filter *model.NotificationFilter, page *model.Pagination) ([]*model.Notification, int, error) {
	where := `
		WHERE tenant_id = $1
		  AND (user_id = $2 OR user_id IS NULL)
		  AND (expire_at IS NULL OR expire_at > NOW())
	`
	args := []interface{}{tenantID, userID}

	if filter != nil {
		if filter.UnreadOnly {
			where += " AND is_read = FALSE"
		}
		if filter.Type != "" {
			args = append(args, filter.Type)
			where += fmt.Sprintf(" AND type = $%d", len(args))
		}
		if filter.StartDate != nil {
			args = append(args, *filter.StartDate)
			where += fmt.Sprintf(" AND created_at >= $%d", len(args))
		}
		if filter.EndDate != nil {
			args = append(args, *filter.EndDate)
			where += fmt.Sprintf(" AND created_at <= $%d", len(args))
		}
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM notifications " + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	args = append(args, page.PageSize, page.Offset())
	query := fmt.Sprintf(`
		SELECT `+notificationColumns+`
		FROM notifications %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	var notifications []*model.Notification
	if err := r.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, total, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, tenantID, userID, id uuid.UUID) error {
	// The is_read guard makes the call idempotent: read_at is written once,
	// on the first transition only.
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW()
		WHERE tenant_id = $1
		  AND id = $2
		  AND (user_id = $3 OR user_id IS NULL)
		  AND is_read = FALSE
	`
	_, err := r.db.ExecContext(ctx, query, tenantID, id, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, tenantID, userID uuid.UUID) (int64, error) {
	// Single conditional update, never snapshot-then-write: rows inserted
	// after this statement's snapshot stay unread.
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW()
		WHERE tenant_id = $1
		  AND (user_id = $2 OR user_id IS NULL)
		  AND is_read = FALSE
	`
	result, err := r.db.ExecContext(ctx, query, tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func (r *notificationRepository) UnreadCounts(ctx context.Context, tenantID, userID uuid.UUID) (*model.UnreadCounts, error) {
	query := `
		SELECT type, priority, COUNT(*) AS count
		FROM notifications
		WHERE tenant_id = $1
		  AND (user_id = $2 OR user_id IS NULL)
		  AND is_read = FALSE
		  AND (expire_at IS NULL OR expire_at > NOW())
		GROUP BY type, priority
	`
	rows, err := r.db.QueryxContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	defer rows.Close()

	counts := &model.UnreadCounts{ByType: make(map[model.NotificationType]int)}
	for rows.Next() {
		var (
			typ      model.NotificationType
			priority model.NotificationPriority
			count    int
		)
		if err := rows.Scan(&typ, &priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread counts: %w", err)
		}
		counts.Total += count
		counts.ByType[typ] += count
		switch priority {
		case model.PriorityHigh:
			counts.HighPriority += count
		case model.PriorityUrgent:
			counts.Urgent += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read unread counts: %w", err)
	}
	return counts, nil
}

func (r *notificationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM notifications
		WHERE expire_at IS NOT NULL AND expire_at <= $1
	`
	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired notifications: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

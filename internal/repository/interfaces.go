package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pulsehq/notify-api/internal/model"
)

// NotificationRepository is the narrow interface the delivery core uses to
// reach the durable store. Ordering source of truth is created_at.
type NotificationRepository interface {
	Create(ctx context.Context, n *model.Notification) error
	CreateBatch(ctx context.Context, ns []*model.Notification) error
	// List returns notifications addressed to the user plus tenant
	// broadcasts, excluding expired rows, newest first, with the total
	// count of matching rows.
	List(ctx context.Context, tenantID, userID uuid.UUID, filter *model.NotificationFilter, page *model.Pagination) ([]*model.Notification, int, error)
	// MarkRead marks one notification read. Marking an already-read row is
	// a no-op: read_at is set exactly once.
	MarkRead(ctx context.Context, tenantID, userID, id uuid.UUID) error
	// MarkAllRead marks every currently-unread notification for the user
	// read in a single conditional update and returns the number of rows
	// it touched.
	MarkAllRead(ctx context.Context, tenantID, userID uuid.UUID) (int64, error)
	UnreadCounts(ctx context.Context, tenantID, userID uuid.UUID) (*model.UnreadCounts, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Package notification orchestrates sending: it persists the record, fans
// it out over the bus, and pushes straight to this process's registry so
// same-process recipients skip the bus round-trip.
package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsehq/notify-api/internal/model"
	"github.com/pulsehq/notify-api/internal/registry"
	"github.com/pulsehq/notify-api/internal/repository"
	"github.com/pulsehq/notify-api/internal/sse"
	apperrors "github.com/pulsehq/notify-api/pkg/errors"
	"github.com/pulsehq/notify-api/pkg/metrics"
)

// Publisher sends an envelope to every other server process.
type Publisher interface {
	Publish(ctx context.Context, env *model.Envelope) error
}

type Service interface {
	SendBroadcast(ctx context.Context, tenantID uuid.UUID, req *model.SendNotificationRequest) (*model.Notification, error)
	SendToUsers(ctx context.Context, tenantID uuid.UUID, userIDs []uuid.UUID, req *model.SendNotificationRequest) ([]*model.Notification, error)
	SendToRole(ctx context.Context, tenantID uuid.UUID, roleCode string, userIDs []uuid.UUID, req *model.SendNotificationRequest) ([]*model.Notification, error)
	List(ctx context.Context, tenantID, userID uuid.UUID, filter *model.NotificationFilter, page *model.Pagination) ([]*model.Notification, int, error)
	MarkRead(ctx context.Context, tenantID, userID uuid.UUID, notificationID *uuid.UUID) error
	UnreadCounts(ctx context.Context, tenantID, userID uuid.UUID) (*model.UnreadCounts, error)
	Stats() *model.RegistryStats
}

type service struct {
	repo          repository.NotificationRepository
	publisher     Publisher
	registry      *registry.Registry
	defaultExpiry time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

func NewService(repo repository.NotificationRepository, publisher Publisher, reg *registry.Registry, defaultExpiry time.Duration, logger zerolog.Logger, m *metrics.Metrics) Service {
	return &service{
		repo:          repo,
		publisher:     publisher,
		registry:      reg,
		defaultExpiry: defaultExpiry,
		logger:        logger,
		metrics:       m,
	}
}

// SendBroadcast persists a tenant-wide notification and fans it out. The
// persisted record is returned even when every push path fails: the store
// is the source of truth, the push is a latency optimization.
func (s *service) SendBroadcast(ctx context.Context, tenantID uuid.UUID, req *model.SendNotificationRequest) (*model.Notification, error) {
	n, err := s.build(tenantID, nil, nil, req)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, n); err != nil {
		return nil, apperrors.Internal(err)
	}
	s.recordCreated(n)

	s.fanOut(ctx, n)
	return n, nil
}

// SendToUsers persists one independent notification per target user (not a
// single broadcast row) and fans each out.
func (s *service) SendToUsers(ctx context.Context, tenantID uuid.UUID, userIDs []uuid.UUID, req *model.SendNotificationRequest) ([]*model.Notification, error) {
	if len(userIDs) == 0 {
		return nil, apperrors.BadRequest("no target users", nil)
	}

	notifications := make([]*model.Notification, 0, len(userIDs))
	for _, userID := range userIDs {
		uid := userID
		n, err := s.build(tenantID, &uid, nil, req)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if err := s.repo.CreateBatch(ctx, notifications); err != nil {
		return nil, apperrors.Internal(err)
	}

	for _, n := range notifications {
		s.recordCreated(n)
		s.fanOut(ctx, n)
	}
	return notifications, nil
}

// SendToRole targets users resolved from a role by the caller; the role is
// recorded on each row for bookkeeping, resolution never happens here.
func (s *service) SendToRole(ctx context.Context, tenantID uuid.UUID, roleCode string, userIDs []uuid.UUID, req *model.SendNotificationRequest) ([]*model.Notification, error) {
	if roleCode == "" {
		return nil, apperrors.BadRequest("role code is required", nil)
	}

	notifications := make([]*model.Notification, 0, len(userIDs))
	for _, userID := range userIDs {
		uid := userID
		n, err := s.build(tenantID, &uid, &roleCode, req)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if err := s.repo.CreateBatch(ctx, notifications); err != nil {
		return nil, apperrors.Internal(err)
	}

	for _, n := range notifications {
		s.recordCreated(n)
		s.fanOut(ctx, n)
	}
	return notifications, nil
}

func (s *service) build(tenantID uuid.UUID, userID *uuid.UUID, roleCode *string, req *model.SendNotificationRequest) (*model.Notification, error) {
	now := time.Now().UTC()

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	expireAt := req.ExpireAt
	if expireAt == nil && s.defaultExpiry > 0 {
		t := now.Add(s.defaultExpiry)
		expireAt = &t
	}
	if expireAt != nil && !expireAt.After(now) {
		return nil, apperrors.BadRequest("expire_at must be in the future", nil)
	}

	return &model.Notification{
		ID:        uuid.New(),
		TenantID:  tenantID,
		UserID:    userID,
		RoleCode:  roleCode,
		Type:      req.Type,
		Category:  req.Category,
		Title:     req.Title,
		Message:   req.Message,
		Data:      req.Data,
		Priority:  priority,
		CreatedAt: now,
		ExpireAt:  expireAt,
	}, nil
}

// fanOut publishes to the bus and pushes to the local registry. Both paths
// are non-fatal: a publish failure degrades cross-process delivery only, a
// dead local connection is the registry's problem.
func (s *service) fanOut(ctx context.Context, n *model.Notification) {
	if err := s.publisher.Publish(ctx, model.NewEnvelope(n)); err != nil {
		s.logger.Warn().Err(err).
			Str("notification_id", n.ID.String()).
			Str("tenant_id", n.TenantID.String()).
			Msg("bus publish failed, cross-process delivery degraded")
	}

	ev := sse.Message(n)
	var delivered int
	if n.IsBroadcast() {
		delivered = s.registry.BroadcastToTenant(n.TenantID, ev)
	} else {
		delivered = s.registry.SendToUser(n.TenantID, *n.UserID, ev)
	}
	s.logger.Debug().
		Str("notification_id", n.ID.String()).
		Int("delivered", delivered).
		Msg("pushed to local connections")
}

func (s *service) recordCreated(n *model.Notification) {
	if s.metrics != nil {
		s.metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
	}
}

func (s *service) List(ctx context.Context, tenantID, userID uuid.UUID, filter *model.NotificationFilter, page *model.Pagination) ([]*model.Notification, int, error) {
	page.Normalize()
	items, total, err := s.repo.List(ctx, tenantID, userID, filter, page)
	if err != nil {
		return nil, 0, apperrors.Internal(err)
	}
	return items, total, nil
}

// MarkRead marks one notification read, or all currently-unread ones when
// notificationID is nil. Both forms are idempotent.
func (s *service) MarkRead(ctx context.Context, tenantID, userID uuid.UUID, notificationID *uuid.UUID) error {
	if notificationID != nil {
		if err := s.repo.MarkRead(ctx, tenantID, userID, *notificationID); err != nil {
			return apperrors.Internal(err)
		}
		return nil
	}

	count, err := s.repo.MarkAllRead(ctx, tenantID, userID)
	if err != nil {
		return apperrors.Internal(err)
	}
	s.logger.Debug().
		Str("tenant_id", tenantID.String()).
		Str("user_id", userID.String()).
		Int64("count", count).
		Msg("marked all notifications read")
	return nil
}

func (s *service) UnreadCounts(ctx context.Context, tenantID, userID uuid.UUID) (*model.UnreadCounts, error) {
	counts, err := s.repo.UnreadCounts(ctx, tenantID, userID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return counts, nil
}

// Stats reports this process's live connections only.
func (s *service) Stats() *model.RegistryStats {
	return s.registry.Stats()
}

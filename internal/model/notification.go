package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationTypeSystem   NotificationType = "system"
	NotificationTypeDirect   NotificationType = "direct_message"
	NotificationTypeMention  NotificationType = "mention"
	NotificationTypeTicket   NotificationType = "ticket"
	NotificationTypeWorkflow NotificationType = "workflow"
)

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// Payload is the opaque structured data attached to a notification. The
// delivery path never interprets it; it round-trips through the store's
// jsonb column and the wire untouched.
type Payload map[string]interface{}

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (p *Payload) Scan(src interface{}) error {
	if src == nil {
		*p = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported payload type %T", src)
	}
	return json.Unmarshal(b, p)
}

// Notification is the durable unit of delivery. A nil UserID means the
// notification addresses every user of its tenant (broadcast).
type Notification struct {
	ID        uuid.UUID            `db:"id" json:"id"`
	TenantID  uuid.UUID            `db:"tenant_id" json:"tenant_id"`
	UserID    *uuid.UUID           `db:"user_id" json:"user_id,omitempty"`
	RoleCode  *string              `db:"role_code" json:"role_code,omitempty"`
	Type      NotificationType     `db:"type" json:"type"`
	Category  *string              `db:"category" json:"category,omitempty"`
	Title     string               `db:"title" json:"title"`
	Message   string               `db:"message" json:"message"`
	Data      Payload              `db:"data" json:"data,omitempty"`
	Priority  NotificationPriority `db:"priority" json:"priority"`
	IsRead    bool                 `db:"is_read" json:"is_read"`
	ReadAt    *time.Time           `db:"read_at" json:"read_at,omitempty"`
	CreatedAt time.Time            `db:"created_at" json:"created_at"`
	ExpireAt  *time.Time           `db:"expire_at" json:"expire_at,omitempty"`
}

// IsBroadcast reports whether the notification has no specific target user.
func (n *Notification) IsBroadcast() bool {
	return n.UserID == nil
}

// Envelope wraps a notification on the message bus. The version tag lets
// processes running different code versions skip envelopes they cannot
// decode instead of failing the subscriber loop. Origin identifies the
// publishing process: the coordinator pushes to its own registry directly,
// so the subscriber skips envelopes it published itself to keep delivery
// at-most-once per live connection.
type Envelope struct {
	Version      int           `json:"version"`
	Origin       uuid.UUID     `json:"origin"`
	SentAt       time.Time     `json:"sent_at"`
	Notification *Notification `json:"notification"`
}

const EnvelopeVersion = 1

func NewEnvelope(n *Notification) *Envelope {
	return &Envelope{
		Version:      EnvelopeVersion,
		SentAt:       time.Now().UTC(),
		Notification: n,
	}
}

type SendNotificationRequest struct {
	Type     NotificationType     `json:"type" binding:"required,oneof=system direct_message mention ticket workflow"`
	Category *string              `json:"category,omitempty"`
	Title    string               `json:"title" binding:"required,max=255"`
	Message  string               `json:"message" binding:"required"`
	Data     Payload              `json:"data,omitempty"`
	Priority NotificationPriority `json:"priority" binding:"omitempty,oneof=low normal high urgent"`
	ExpireAt *time.Time           `json:"expire_at,omitempty" binding:"omitempty,future"`
}

type SendToUsersRequest struct {
	UserIDs []uuid.UUID `json:"user_ids" binding:"required,min=1"`
	SendNotificationRequest
}

type SendToRoleRequest struct {
	RoleCode string      `json:"role_code" binding:"required"`
	UserIDs  []uuid.UUID `json:"user_ids" binding:"required,min=1"`
	SendNotificationRequest
}

type MarkReadRequest struct {
	NotificationID *uuid.UUID `json:"notification_id,omitempty"`
}

// NotificationFilter narrows list queries. Zero values mean "no filter".
type NotificationFilter struct {
	UnreadOnly bool             `form:"unread_only"`
	Type       NotificationType `form:"type"`
	StartDate  *time.Time       `form:"start_date" time_format:"2006-01-02T15:04:05Z07:00"`
	EndDate    *time.Time       `form:"end_date" time_format:"2006-01-02T15:04:05Z07:00"`
}

type UnreadCounts struct {
	Total        int                      `json:"total"`
	ByType       map[NotificationType]int `json:"by_type"`
	HighPriority int                      `json:"high_priority"`
	Urgent       int                      `json:"urgent"`
}

// TenantStats describes the live connections one process holds for a tenant.
type TenantStats struct {
	TenantID        uuid.UUID `json:"tenant_id"`
	UserCount       int       `json:"user_count"`
	ConnectionCount int       `json:"connection_count"`
}

// RegistryStats is a local-process view: each process only knows about the
// streams it holds, so totals are per process, never cluster-wide.
type RegistryStats struct {
	TotalConnections int           `json:"total_connections"`
	TenantCount      int           `json:"tenant_count"`
	PerTenant        []TenantStats `json:"per_tenant"`
}

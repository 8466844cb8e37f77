package notification

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pulsehq/notify-api/internal/middleware"
	"github.com/pulsehq/notify-api/internal/model"
	"github.com/pulsehq/notify-api/internal/registry"
	notificationsvc "github.com/pulsehq/notify-api/internal/service/notification"
	"github.com/pulsehq/notify-api/internal/sse"
	"github.com/pulsehq/notify-api/pkg/httputil"
)

type Handler struct {
	service  notificationsvc.Service
	registry *registry.Registry
	logger   zerolog.Logger
}

func NewHandler(service notificationsvc.Service, reg *registry.Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		service:  service,
		registry: reg,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.POST("/broadcast", h.SendBroadcast)
		notifications.POST("/send", h.SendToUsers)
		notifications.POST("/send-role", h.SendToRole)
		notifications.GET("", h.List)
		notifications.POST("/read", h.MarkRead)
		notifications.GET("/unread-count", h.UnreadCount)
		notifications.GET("/stats", h.Stats)
		notifications.GET("/stream", h.Stream)
	}
}

func (h *Handler) SendBroadcast(c *gin.Context) {
	tenantID, _, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "missing identity"})
		return
	}

	var req model.SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	n, err := h.service.SendBroadcast(c.Request.Context(), tenantID, &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, n)
}

func (h *Handler) SendToUsers(c *gin.Context) {
	tenantID, _, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "missing identity"})
		return
	}

	var req model.SendToUsersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	ns, err := h.service.SendToUsers(c.Request.Context(), tenantID, req.UserIDs, &req.SendNotificationRequest)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, ns)
}

// SendToRole accepts the role's member user ids from the caller: membership
// resolution belongs to the tenant directory service, not the delivery core.
func (h *Handler) SendToRole(c *gin.Context) {
	tenantID, _, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "missing identity"})
		return
	}

	var req model.SendToRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}

	ns, err := h.service.SendToRole(c.Request.Context(), tenantID, req.RoleCode, req.UserIDs, &req.SendNotificationRequest)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithCreated(c, ns)
}

func (h *Handler) List(c *gin.Context) {
	tenantID, userID, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "missing identity"})
		return
	}

	var filter model.NotificationFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	var page model.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	page.Normalize()

	items, total, err := h.service.List(c.Request.Context(), tenantID, userID, &filter, &page)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, items, page.Page, page.PageSize, total)
}

func (h *Handler) MarkRead(c *gin.Context) {
	tenantID, userID, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "missing identity"})
		return
	}

	var req model.MarkReadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
			return
		}
	}

	if err := h.service.MarkRead(c.Request.Context(), tenantID, userID, req.NotificationID); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"marked": true})
}

func (h *Handler) UnreadCount(c *gin.Context) {
	tenantID, userID, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "missing identity"})
		return
	}

	counts, err := h.service.UnreadCounts(c.Request.Context(), tenantID, userID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, counts)
}

// Stats reports this process's live connections only; with several server
// processes behind a balancer each gives a different answer.
func (h *Handler) Stats(c *gin.Context) {
	httputil.RespondWithSuccess(c, h.service.Stats())
}

// Stream upgrades the request to a server-sent event stream and pumps the
// connection's events until the client goes away or the registry closes it.
func (h *Handler) Stream(c *gin.Context) {
	tenantID, userID, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "missing identity"})
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		// Rejected before registration, so nothing leaks.
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "streaming unsupported"})
		return
	}

	conn := h.registry.Register(tenantID, userID)
	defer h.registry.Remove(tenantID, userID, conn.ID)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-conn.Events():
			if !open {
				return
			}
			if err := writer.Send(ev); err != nil {
				h.logger.Debug().Err(err).
					Str("connection_id", conn.ID.String()).
					Msg("stream write failed, closing connection")
				return
			}
			// A completed flush is the transport-level liveness signal.
			conn.Touch()
		}
	}
}

package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"subscribe-service/internal/service/notify"
	"subscribe-service/internal/service/subscribe"
	"subscribe-service/pkg/outbox"
)

type OutboxReplayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

type NotificationRunner interface {
	RunOnce(ctx context.Context) (notify.RunResult, error)
}

// AdminHandler serves sysadmin-only endpoints. Routes are guarded by
// RequirePermission; the handlers do not re-check.
type AdminHandler struct {
	svc      *subscribe.Service
	replayer OutboxReplayer
	runner   NotificationRunner
	logger   *zap.Logger
}

func NewAdminHandler(svc *subscribe.Service, replayer OutboxReplayer, runner NotificationRunner, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		svc:      svc,
		replayer: replayer,
		runner:   runner,
		logger:   logger,
	}
}

// ListSubscriptions 查看任意邮箱的订阅
// GET /admin/subscriptions?email=xxx
func (h *AdminHandler) ListSubscriptions(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing email parameter"})
		return
	}

	subs, err := h.svc.ListSubscriptions(c.Request.Context(), email, ActorFrom(c))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": email, "subscriptions": subs})
}

// RunNotifications 立即执行一轮通知
// POST /admin/notifications/run
func (h *AdminHandler) RunNotifications(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification engine not configured"})
		return
	}

	result, err := h.runner.RunOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("Notification run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "notification run failed",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"skipped": result.Skipped,
		"sent":    result.Sent(),
		"tiers":   result.Tiers,
	})
}

// ReplayOutboxEvent 重放指定的 Outbox 事件
// POST /admin/outbox/replay?id=xxx
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	if !h.replayEnabled(c) {
		return
	}
	idStr := c.Query("id")
	if idStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing id parameter"})
		return
	}

	eventID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return
	}

	if err := h.replayer.ReplayEvent(c.Request.Context(), eventID); err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		h.logger.Error("Failed to replay event",
			zap.Int64("event_id", eventID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay event",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": eventID,
	})
}

// ReplayFailedEvents 重放所有失败的事件
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	if !h.replayEnabled(c) {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	successCount, err := h.replayer.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay failed events",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"success_count": successCount,
		"limit":         limit,
	})
}

// smtp 模式下没有 outbox
func (h *AdminHandler) replayEnabled(c *gin.Context) bool {
	if h.replayer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox replay is not enabled"})
		return false
	}
	return true
}

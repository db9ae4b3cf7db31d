package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"subscribe-service/internal/handler"
	"subscribe-service/pkg/otel"
	"subscribe-service/pkg/rbac"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	subscribeHandler *handler.SubscribeHandler,
	adminHandler *handler.AdminHandler,
	codeAuth CodeAuthenticator,
	jwtSecret string,
	db Pinger,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), MetricsMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		if db == nil {
			c.JSON(200, gin.H{"status": "ready"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(503, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public, actor optional
	sub := r.Group("/subscribe")
	sub.Use(ActorMiddleware(jwtSecret))
	{
		sub.POST("/signup", subscribeHandler.Signup)
		sub.GET("/verify", subscribeHandler.Verify)
		sub.GET("/request_manage_code", subscribeHandler.RequestManageCode)
		sub.POST("/request_manage_code", subscribeHandler.RequestManageCode)
	}

	// Login code required
	manage := sub.Group("")
	manage.Use(RequireLoginCode(codeAuth, logger))
	{
		manage.GET("/manage", subscribeHandler.Manage)
		manage.POST("/update", subscribeHandler.Update)
		manage.GET("/unsubscribe", subscribeHandler.Unsubscribe)
		manage.POST("/unsubscribe", subscribeHandler.Unsubscribe)
		manage.GET("/unsubscribe-all", subscribeHandler.UnsubscribeAll)
		manage.POST("/unsubscribe-all", subscribeHandler.UnsubscribeAll)
	}

	// Sysadmin
	admin := r.Group("/admin")
	admin.Use(ActorMiddleware(jwtSecret))
	{
		admin.GET("/subscriptions", RequirePermission(rbac.PermissionManageAny), adminHandler.ListSubscriptions)
		admin.POST("/notifications/run", RequirePermission(rbac.PermissionRunNotifications), adminHandler.RunNotifications)
		admin.POST("/outbox/replay", RequirePermission(rbac.PermissionReplayOutbox), adminHandler.ReplayOutboxEvent)
		admin.POST("/outbox/replay-failed", RequirePermission(rbac.PermissionReplayOutbox), adminHandler.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

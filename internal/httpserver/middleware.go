package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"subscribe-service/internal/handler"
	"subscribe-service/internal/model"
	"subscribe-service/pkg/domainerr"
	"subscribe-service/pkg/metrics"
	"subscribe-service/pkg/rbac"
	"subscribe-service/pkg/trace"
	"subscribe-service/pkg/util"
)

// TraceMiddleware 为每个请求分配 trace_id，并回写到响应头
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(trace.HeaderName); id != "" {
			ctx = trace.WithContext(ctx, id)
		}
		ctx = trace.Ensure(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, trace.FromContext(ctx))
		c.Next()
	}
}

// MetricsMiddleware 记录请求延迟
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// ActorMiddleware 解析可选的 Bearer token；没有 token 时是匿名用户
func ActorMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.Set(handler.ContextActor, model.Actor{})
			c.Next()
			return
		}

		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(handler.ContextActor, model.Actor{
			Name:     claims.Name,
			Email:    claims.Email,
			Sysadmin: claims.Sysadmin,
		})
		c.Next()
	}
}

// RequirePermission 中间件：要求用户具有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := handler.ActorFrom(c)
		if actor.Anonymous() {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			c.Abort()
			return
		}

		if err := rbac.CheckPermission(actor, permission); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Next()
	}
}

// CodeAuthenticator validates a login code and returns its email.
type CodeAuthenticator interface {
	Authenticate(ctx context.Context, code string) (string, error)
}

// RequireLoginCode 用邮件里的 code 认证，成功后把 email 放进 context
func RequireLoginCode(auth CodeAuthenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		if code == "" {
			code = c.PostForm("code")
		}
		if code == "" {
			handler.RespondLoginRequired(c, "No code supplied")
			return
		}

		email, err := auth.Authenticate(c.Request.Context(), code)
		if err != nil {
			switch domainerr.CodeOf(err) {
			case domainerr.CodeNotFound, domainerr.CodeExpired:
				handler.RespondLoginRequired(c, err.Error())
			default:
				handler.RespondError(c, logger, err)
			}
			return
		}

		c.Set(handler.ContextEmail, email)
		c.Set(handler.ContextCode, code)
		c.Next()
	}
}

package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"subscribe-service/pkg/domainerr"
	"subscribe-service/pkg/logger"
)

// RequestCodePath is where a visitor without a valid login code can ask for one.
const RequestCodePath = "/subscribe/request_manage_code"

// StatusOf maps a domain error code to an HTTP status.
func StatusOf(code domainerr.Code) int {
	switch code {
	case domainerr.CodeValidation:
		return http.StatusBadRequest
	case domainerr.CodeNotFound:
		return http.StatusNotFound
	case domainerr.CodeExpired:
		return http.StatusGone
	case domainerr.CodeNotAuthorized:
		return http.StatusForbidden
	case domainerr.CodeMailerFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err as JSON. Internal errors are logged and replaced by
// a generic message.
func RespondError(c *gin.Context, log *zap.Logger, err error) {
	var de *domainerr.Error
	if !errors.As(err, &de) {
		de = domainerr.Internal(err)
	}

	status := StatusOf(de.Code)
	if status >= http.StatusInternalServerError {
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", string(de.Code)),
			zap.Error(err))
	}
	if de.Retryable() {
		c.Header("Retry-After", "30")
	}

	body := gin.H{"error": de.Message, "code": de.Code}
	if de.Field != "" {
		body["field"] = de.Field
	}
	c.AbortWithStatusJSON(status, body)
}

// RespondLoginRequired tells the visitor to request a fresh management link.
func RespondLoginRequired(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":            message,
		"code":             domainerr.CodeNotAuthorized,
		"request_code_url": RequestCodePath,
	})
}

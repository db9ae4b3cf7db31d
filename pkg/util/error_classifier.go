package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/textproto"
	"strings"

	"github.com/jackc/pgx/v5"

	"subscribe-service/pkg/circuitbreaker"
)

// IsRetryableError determines if an error is retryable.
// Returns: (isRetryable, errorType)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON decode errors - 数据格式错误，不可重试
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	// 熔断打开 - 稍后重试
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return true, "circuit_open"
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}

	// go-mail 的 SendError 自带临时/永久判断
	var sendErr interface{ IsTemp() bool }
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return true, "smtp_transient"
		}
		return false, "smtp_permanent"
	}

	// SMTP 回复码：4xx 临时失败，5xx 永久失败
	var smtpErr *textproto.Error
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 400 && smtpErr.Code < 500 {
			return true, "smtp_transient"
		}
		return false, "smtp_permanent"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "duplicate key"):
		return false, "duplicate_key"
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "timeout"):
		return true, "connection_error"
	}

	// 默认：未知错误，保守处理 - 不重试
	return false, "unknown_error"
}

// ShouldRetry checks if an error should be retried based on retry count.
func ShouldRetry(retryCount, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}

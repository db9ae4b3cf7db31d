package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"

	"subscribe-service/pkg/circuitbreaker"
)

func TestIsRetryableError(t *testing.T) {
	syntaxErr := json.Unmarshal([]byte("{"), &struct{}{})

	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"json", syntaxErr, false, "json_decode_error"},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"breaker open", circuitbreaker.ErrCircuitBreakerOpen, true, "circuit_open"},
		{"smtp 421", &textproto.Error{Code: 421, Msg: "try later"}, true, "smtp_transient"},
		{"smtp 550", fmt.Errorf("rcpt: %w", &textproto.Error{Code: 550, Msg: "no such user"}), false, "smtp_permanent"},
		{"refused", errors.New("dial tcp: connection refused"), true, "connection_error"},
		{"temp send error", tempErr{temp: true}, true, "smtp_transient"},
		{"perm send error", tempErr{}, false, "smtp_permanent"},
		{"unknown", errors.New("boom"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

type tempErr struct{ temp bool }

func (e tempErr) Error() string { return "send failed" }
func (e tempErr) IsTemp() bool  { return e.temp }

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3, true))
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(1, 3, false))
}

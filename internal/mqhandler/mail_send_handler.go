package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	contractmq "subscribe-service/contracts/mq"
	"subscribe-service/internal/mailer"
	"subscribe-service/pkg/logger"
	"subscribe-service/pkg/metrics"
	"subscribe-service/pkg/trace"
	"subscribe-service/pkg/util"
)

const (
	DefaultMaxRetries = 5 // 最大重试次数

	handlerName = "mail_send"
)

type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type Deduper interface {
	AcquireOnce(ctx context.Context, handler, id string) bool
	Release(ctx context.Context, handler, id string)
}

type DeadLetterPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error
}

// MailSendHandler delivers mail.send messages through a real transport.
// Returning an error makes the consumer nack and requeue the message.
type MailSendHandler struct {
	mailer       mailer.Mailer
	retryCounter RetryCounter
	deduper      Deduper
	dlq          DeadLetterPublisher
	maxRetries   int64
	logger       *zap.Logger
}

func NewMailSendHandler(
	m mailer.Mailer,
	retryCounter RetryCounter,
	deduper Deduper,
	dlq DeadLetterPublisher,
	maxRetries int64,
	logger *zap.Logger,
) *MailSendHandler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &MailSendHandler{
		mailer:       m,
		retryCounter: retryCounter,
		deduper:      deduper,
		dlq:          dlq,
		maxRetries:   maxRetries,
		logger:       logger,
	}
}

func (h *MailSendHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p contractmq.MailSendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// 格式错误 - 不可重试，直接进 DLQ
		h.logger.Error("Failed to unmarshal mail payload, sending to DLQ", zap.Error(err))
		h.deadLetter(ctx, raw, "unknown", err)
		return nil
	}
	if p.TraceID != "" && trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("message_id", p.MessageID),
		zap.String("kind", p.Kind),
		zap.String("to", p.To),
	)

	if p.To == "" || p.MessageID == "" {
		log.Error("Mail payload missing recipient or id, sending to DLQ")
		h.deadLetter(ctx, raw, p.Kind, errors.New("missing recipient or message id"))
		return nil
	}

	// 重投递时避免重复发信
	if !h.deduper.AcquireOnce(ctx, handlerName, p.MessageID) {
		log.Info("Skipped duplicated mail message")
		metrics.IncrementMailSent(p.Kind, "dropped")
		return nil
	}

	retryKey := util.FormatRetryKey(handlerName, p.MessageID)
	err := h.mailer.Send(ctx, mailer.FromPayload(p))
	if err == nil {
		if err := h.retryCounter.Reset(ctx, retryKey); err != nil {
			log.Warn("Failed to reset retry count", zap.Error(err))
		}
		metrics.IncrementMailSent(p.Kind, "sent")
		log.Info("Mail delivered")
		return nil
	}

	retryable, errType := util.IsRetryableError(err)
	retryCount, cerr := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if cerr != nil {
		// Redis 错误不影响处理
		log.Warn("Failed to get retry count, continuing anyway", zap.Error(cerr))
		retryCount = 1
	}

	log.Error("Failed to deliver mail",
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Int64("retry_count", retryCount),
		zap.Error(err),
	)

	if !util.ShouldRetry(retryCount, h.maxRetries, retryable) {
		h.deadLetter(ctx, raw, p.Kind, err)
		if err := h.retryCounter.Reset(ctx, retryKey); err != nil {
			log.Warn("Failed to reset retry count", zap.Error(err))
		}
		return nil
	}

	h.deduper.Release(ctx, handlerName, p.MessageID)
	metrics.IncrementMailSent(p.Kind, "retry")
	return fmt.Errorf("deliver mail %s: %w", p.MessageID, err)
}

func (h *MailSendHandler) deadLetter(ctx context.Context, raw []byte, kind string, cause error) {
	metrics.IncrementMailSent(kind, "dead_letter")
	if h.dlq == nil {
		return
	}
	if err := h.dlq.PublishToDLQ(ctx, contractmq.RoutingKeyMailSend, raw, cause.Error()); err != nil {
		h.logger.Error("Failed to publish to DLQ", zap.Error(err))
	}
}

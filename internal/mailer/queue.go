package mailer

import (
	"context"
	"fmt"

	contractmq "subscribe-service/contracts/mq"
	"subscribe-service/pkg/metrics"
)

type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// QueueMailer hands messages to the mail worker over RabbitMQ.
type QueueMailer struct {
	publisher Publisher
}

func NewQueueMailer(publisher Publisher) *QueueMailer {
	return &QueueMailer{publisher: publisher}
}

func (m *QueueMailer) Send(ctx context.Context, msg Message) error {
	if err := m.publisher.PublishWithContext(ctx, contractmq.RoutingKeyMailSend, Payload(ctx, msg)); err != nil {
		metrics.IncrementMailSent(msg.Kind, "failed")
		return fmt.Errorf("failed to enqueue mail: %w", err)
	}
	metrics.IncrementMailSent(msg.Kind, "queued")
	return nil
}

package mailer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	contractmq "subscribe-service/contracts/mq"
	"subscribe-service/pkg/db"
	"subscribe-service/pkg/metrics"
	"subscribe-service/pkg/outbox"
)

const aggregateType = "mail"

// OutboxMailer writes a mail.send event into the outbox. Inside a
// transaction carried by ctx the event commits or rolls back with the
// caller's registry writes; otherwise it gets its own transaction.
type OutboxMailer struct {
	repo *outbox.Repository
	tx   *db.TxManager
}

func NewOutboxMailer(pool *pgxpool.Pool, repo *outbox.Repository) *OutboxMailer {
	return &OutboxMailer{repo: repo, tx: db.NewTxManager(pool)}
}

func (m *OutboxMailer) Send(ctx context.Context, msg Message) error {
	payload := Payload(ctx, msg)
	recipient := msg.To

	err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
		tx, ok := db.TxFrom(ctx)
		if !ok {
			return fmt.Errorf("no transaction in context")
		}
		return outbox.InsertEventInTx(ctx, tx, m.repo, aggregateType, &recipient, contractmq.RoutingKeyMailSend, payload)
	})
	if err != nil {
		metrics.IncrementMailSent(msg.Kind, "failed")
		return fmt.Errorf("failed to write mail to outbox: %w", err)
	}
	metrics.IncrementMailSent(msg.Kind, "queued")
	return nil
}

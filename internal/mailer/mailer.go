// Package mailer delivers composed emails. Services depend on the Mailer
// interface; the implementations send over SMTP, enqueue to RabbitMQ, or
// write to the transactional outbox.
package mailer

//go:generate mockgen -source=mailer.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"github.com/google/uuid"

	contractmq "subscribe-service/contracts/mq"
	"subscribe-service/pkg/trace"
)

// Kinds of email, used for routing and metrics.
const (
	KindVerification = "verification"
	KindConfirmation = "confirmation"
	KindManageCode   = "manage_code"
	KindDigest       = "digest"
)

// Message is a single-recipient email with a plain text and an HTML body.
type Message struct {
	Kind    string
	To      string
	Subject string
	Text    string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Payload converts msg into the mail.send wire shape.
func Payload(ctx context.Context, msg Message) contractmq.MailSendPayload {
	return contractmq.MailSendPayload{
		MessageID: uuid.NewString(),
		Kind:      msg.Kind,
		To:        msg.To,
		Subject:   msg.Subject,
		TextBody:  msg.Text,
		HTMLBody:  msg.HTML,
		TraceID:   trace.FromContext(ctx),
		CreatedAt: time.Now().UTC(),
	}
}

// FromPayload is the inverse of Payload.
func FromPayload(p contractmq.MailSendPayload) Message {
	return Message{
		Kind:    p.Kind,
		To:      p.To,
		Subject: p.Subject,
		Text:    p.TextBody,
		HTML:    p.HTMLBody,
	}
}

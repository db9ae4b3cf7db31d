package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"subscribe-service/pkg/circuitbreaker"
	"subscribe-service/pkg/config"
	"subscribe-service/pkg/metrics"
)

// SMTPMailer sends directly to an SMTP relay, guarded by a circuit breaker.
type SMTPMailer struct {
	client  *mail.Client
	from    string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewSMTPMailer(cfg config.SMTPConfig, logger *zap.Logger) (*SMTPMailer, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(30 * time.Second),
	}
	switch cfg.TLS {
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	case "mandatory":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "ssl":
		opts = append(opts, mail.WithSSL())
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("Circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	return &SMTPMailer{
		client:  client,
		from:    cfg.From,
		breaker: circuitbreaker.NewCircuitBreaker("smtp", breakerCfg),
		logger:  logger,
	}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	email := mail.NewMsg()
	if err := email.From(m.from); err != nil {
		return fmt.Errorf("invalid sender %q: %w", m.from, err)
	}
	if err := email.To(msg.To); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	email.Subject(msg.Subject)
	email.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		email.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}

	err := m.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return m.client.DialAndSendWithContext(ctx, email)
	})
	if err != nil {
		metrics.IncrementMailSent(msg.Kind, "failed")
		return fmt.Errorf("failed to send mail to %s: %w", msg.To, err)
	}

	metrics.IncrementMailSent(msg.Kind, "sent")
	m.logger.Debug("Mail sent",
		zap.String("kind", msg.Kind),
		zap.String("to", msg.To))
	return nil
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	contractmq "subscribe-service/contracts/mq"
	"subscribe-service/internal/mailer"
	"subscribe-service/internal/mqhandler"
	"subscribe-service/pkg/mq"
	"subscribe-service/pkg/util"
)

const mailSendQueue = "mail.send.q"

func workerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued mail.send messages over SMTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, opts)
		},
	}
}

func runWorker(ctx context.Context, opts *rootOptions) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.cfg, a.logger

	// 重试计数依赖 Redis
	rdb, err := a.redis(ctx)
	if err != nil {
		return err
	}
	if rdb == nil {
		return errors.New("worker requires redis.addr")
	}

	smtp, err := mailer.NewSMTPMailer(cfg.SMTP, log)
	if err != nil {
		return err
	}
	pub, err := a.mqPublisher()
	if err != nil {
		return err
	}

	h := mqhandler.NewMailSendHandler(
		smtp,
		util.NewRetryCounter(rdb, cfg.Worker.RetryTTL),
		util.NewDeduper(rdb, cfg.Worker.DedupTTL),
		pub,
		cfg.Worker.MaxRetries,
		log,
	)

	log.Info("Initializing MQ consumer for mail.send...",
		zap.String("queue", mailSendQueue),
		zap.String("routing_key", contractmq.RoutingKeyMailSend),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, mailSendQueue, contractmq.RoutingKeyMailSend, log)
	if err != nil {
		return err
	}
	defer consumer.Close()
	consumer.SetHandler(h.Handle)

	if err := consumer.StartConsuming(ctx); err != nil {
		log.Error("mail.send consumer failed", zap.Error(err))
		return err
	}
	log.Info("worker shutdown complete")
	return nil
}

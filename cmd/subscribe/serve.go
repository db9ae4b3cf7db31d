package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"subscribe-service/internal/config"
	"subscribe-service/internal/handler"
	"subscribe-service/internal/httpserver"
	"subscribe-service/pkg/outbox"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var withNotifier bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, withNotifier)
		},
	}
	cmd.Flags().BoolVar(&withNotifier, "with-notifier", false, "also run send-any-notifications -r in this process")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, withNotifier bool) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.cfg, a.logger

	m, err := a.newMailer()
	if err != nil {
		return err
	}
	svc := a.subscribeService(m)
	engine, err := a.engine(ctx, m)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// smtp 模式直接发信，没有 outbox 可重放
	var replayer handler.OutboxReplayer
	if cfg.Mailer.Mode != config.MailerSMTP {
		rs, err := a.replayService()
		if err != nil {
			return err
		}
		replayer = rs
	}

	if cfg.Mailer.Mode == config.MailerOutbox {
		pub, err := a.mqPublisher()
		if err != nil {
			return err
		}
		dispatcher := outbox.NewDispatcher(outbox.NewRepository(a.pool), pub, log).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		g.Go(func() error {
			return dispatcher.Start(gctx)
		})
	}

	if withNotifier {
		g.Go(func() error {
			return engine.Run(gctx, false)
		})
	}

	router := httpserver.NewRouter(
		handler.NewSubscribeHandler(svc, a.site(), log),
		handler.NewAdminHandler(svc, replayer, engine, log),
		svc,
		cfg.JWT.Secret,
		a.pool,
		log,
	)
	g.Go(func() error {
		return router.Serve(gctx, cfg.Server.Port, log)
	})

	log.Info("subscribe is running",
		zap.String("addr", cfg.Server.Port),
		zap.String("mailer_mode", cfg.Mailer.Mode),
		zap.Bool("with_notifier", withNotifier),
	)

	if err := g.Wait(); err != nil {
		log.Error("subscribe stopped with error", zap.Error(err))
		return err
	}
	log.Info("subscribe shutdown complete")
	return nil
}

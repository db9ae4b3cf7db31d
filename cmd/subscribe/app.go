package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"subscribe-service/internal/catalog"
	"subscribe-service/internal/config"
	"subscribe-service/internal/digest"
	"subscribe-service/internal/mailer"
	"subscribe-service/internal/repository"
	"subscribe-service/internal/service/codes"
	"subscribe-service/internal/service/notify"
	"subscribe-service/internal/service/subscribe"
	"subscribe-service/pkg/db"
	"subscribe-service/pkg/logger"
	"subscribe-service/pkg/mq"
	"subscribe-service/pkg/otel"
	"subscribe-service/pkg/outbox"
	pkgredis "subscribe-service/pkg/redis"
	"subscribe-service/pkg/util"
)

// app 持有一次命令运行所需的连接，按需创建
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool

	rdb       *goredis.Client
	rdbLoaded bool
	publisher *mq.Publisher

	subs       *repository.SubscriptionRepository
	loginCodes *repository.LoginCodeRepository
	watermarks *repository.WatermarkRepository
	catalog    *catalog.Postgres
	issuer     *codes.Issuer
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.env, opts.configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	otel.SetupPropagator()
	log.Info("Starting subscribe",
		zap.String("env", opts.env),
		zap.String("db_host", cfg.DB.Host),
		zap.String("mailer_mode", cfg.Mailer.Mode),
	)

	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}

	a := &app{
		cfg:        cfg,
		logger:     log,
		pool:       pool,
		subs:       repository.NewSubscriptionRepository(pool),
		loginCodes: repository.NewLoginCodeRepository(pool),
		watermarks: repository.NewWatermarkRepository(pool),
		catalog:    catalog.NewPostgres(pool, log),
	}
	a.issuer = codes.NewIssuer(a.subs, a.loginCodes, log,
		codes.WithVerificationTTL(cfg.Codes.VerificationTTL),
		codes.WithLoginTTL(cfg.Codes.LoginTTL),
	)
	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.pool.Close()
	_ = a.logger.Sync()
}

func (a *app) site() digest.Site {
	return digest.Site{URL: a.cfg.Site.URL, Title: a.cfg.Site.Title}
}

// redis 返回 nil client 表示未配置 redis.addr
func (a *app) redis(ctx context.Context) (*goredis.Client, error) {
	if a.rdbLoaded {
		return a.rdb, nil
	}
	rdb, err := pkgredis.NewRedisClient(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rdb == nil {
		a.logger.Warn("Redis not configured, leases and dedup are disabled")
	}
	a.rdb, a.rdbLoaded = rdb, true
	return rdb, nil
}

func (a *app) mqPublisher() (*mq.Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}
	pub, err := mq.NewPublisher(a.cfg.MQ.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to init publisher: %w", err)
	}
	a.publisher = pub
	return pub, nil
}

// newMailer 按 mailer.mode 选择投递方式
func (a *app) newMailer() (mailer.Mailer, error) {
	switch a.cfg.Mailer.Mode {
	case config.MailerOutbox:
		return mailer.NewOutboxMailer(a.pool, outbox.NewRepository(a.pool)), nil
	case config.MailerQueue:
		pub, err := a.mqPublisher()
		if err != nil {
			return nil, err
		}
		return mailer.NewQueueMailer(pub), nil
	case config.MailerSMTP:
		m, err := mailer.NewSMTPMailer(a.cfg.SMTP, a.logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown mailer mode %q", a.cfg.Mailer.Mode)
	}
}

func (a *app) subscribeService(m mailer.Mailer) *subscribe.Service {
	return subscribe.NewService(a.subs, db.NewTxManager(a.pool), a.catalog, a.issuer, m, a.site(), a.logger)
}

func (a *app) engine(ctx context.Context, m mailer.Mailer) (*notify.Engine, error) {
	loc, err := a.cfg.Notify.Location()
	if err != nil {
		return nil, err
	}
	schedule, err := notify.ParseSchedule(a.cfg.Notify.SendTime, a.cfg.Notify.WeeklyDay, loc)
	if err != nil {
		return nil, err
	}
	rdb, err := a.redis(ctx)
	if err != nil {
		return nil, err
	}

	lease := util.NewLease(rdb, a.cfg.Notify.LeaseTTL, a.logger)
	return notify.NewEngine(a.subs, a.watermarks, a.catalog, a.issuer, m, lease, a.site(), notify.Config{
		Schedule:          schedule,
		GracePeriod:       a.cfg.Notify.GracePeriod,
		ImmediateLookback: a.cfg.Notify.ImmediateLookback,
		RepeatDelay:       a.cfg.Notify.RepeatDelay,
	}, a.logger), nil
}

// replayService 仅在经由 MQ 投递时可用
func (a *app) replayService() (*outbox.ReplayService, error) {
	pub, err := a.mqPublisher()
	if err != nil {
		return nil, err
	}
	return outbox.NewReplayService(outbox.NewRepository(a.pool), pub), nil
}

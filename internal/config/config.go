package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"subscribe-service/pkg/config"
)

type SiteConfig struct {
	URL   string `yaml:"url"`
	Title string `yaml:"title"`
}

type CodesConfig struct {
	VerificationTTL time.Duration `yaml:"verification_ttl"`
	LoginTTL        time.Duration `yaml:"login_ttl"`
}

// NotifyConfig 通知引擎调度
type NotifyConfig struct {
	SendTime          string        `yaml:"send_time"`  // "HH:MM"
	WeeklyDay         string        `yaml:"weekly_day"` // Friday
	Timezone          string        `yaml:"timezone"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	ImmediateLookback time.Duration `yaml:"immediate_lookback"`
	RepeatDelay       time.Duration `yaml:"repeat_delay"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
}

// WorkerConfig mail.send 消费者
type WorkerConfig struct {
	MaxRetries int64         `yaml:"max_retries"`
	RetryTTL   time.Duration `yaml:"retry_ttl"`
	DedupTTL   time.Duration `yaml:"dedup_ttl"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// Mailer modes
const (
	MailerOutbox = "outbox" // 写 outbox，dispatcher 投递到 MQ
	MailerQueue  = "queue"  // 直接发布到 MQ
	MailerSMTP   = "smtp"   // 同步 SMTP
)

type MailerConfig struct {
	Mode string `yaml:"mode"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	DB     config.DBConfig     `yaml:"db"`
	MQ     config.MQConfig     `yaml:"mq"`
	Redis  config.RedisConfig  `yaml:"redis"`
	JWT    config.JWTConfig    `yaml:"jwt"`
	Server config.ServerConfig `yaml:"server"`
	SMTP   config.SMTPConfig   `yaml:"smtp"`
	Site   SiteConfig          `yaml:"site"`
	Codes  CodesConfig         `yaml:"codes"`
	Notify NotifyConfig        `yaml:"notify"`
	Worker WorkerConfig        `yaml:"worker"`
	Outbox OutboxConfig        `yaml:"outbox"`
	Mailer MailerConfig        `yaml:"mailer"`
	Log    LogConfig           `yaml:"log"`
}

// Load reads config/<env>.yaml over config/base.yaml, then environment overrides.
func Load(env, dir string) (*Config, error) {
	raw, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideSMTPFromEnv(&cfg.SMTP)
	if url := os.Getenv("SITE_URL"); url != "" {
		cfg.Site.URL = url
	}
	if mode := os.Getenv("MAILER_MODE"); mode != "" {
		cfg.Mailer.Mode = mode
	}
	if retries := os.Getenv("WORKER_MAX_RETRIES"); retries != "" {
		if n, err := strconv.ParseInt(retries, 10, 64); err == nil {
			cfg.Worker.MaxRetries = n
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Mailer.Mode == "" {
		c.Mailer.Mode = MailerOutbox
	}
	if c.Notify.SendTime == "" {
		c.Notify.SendTime = "09:00"
	}
	if c.Notify.WeeklyDay == "" {
		c.Notify.WeeklyDay = "Friday"
	}
	if c.Notify.LeaseTTL <= 0 {
		c.Notify.LeaseTTL = 5 * time.Minute
	}
	if c.Worker.RetryTTL <= 0 {
		c.Worker.RetryTTL = time.Hour
	}
	if c.Worker.DedupTTL <= 0 {
		c.Worker.DedupTTL = 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.Site.URL == "" {
		return fmt.Errorf("site.url is required")
	}
	switch c.Mailer.Mode {
	case MailerOutbox, MailerQueue, MailerSMTP:
	default:
		return fmt.Errorf("unknown mailer.mode %q", c.Mailer.Mode)
	}
	if c.Mailer.Mode != MailerSMTP && c.MQ.URL == "" {
		return fmt.Errorf("mq.url is required for mailer.mode %q", c.Mailer.Mode)
	}
	return nil
}

// Location is the time zone of the notification schedule.
func (c NotifyConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid notify.timezone: %w", err)
	}
	return loc, nil
}

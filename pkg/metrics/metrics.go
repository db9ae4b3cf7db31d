package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subscribe_mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	// 数据库慢查询计数
	DBSlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscribe_db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subscribe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 单次通知扫描耗时
	NotificationRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subscribe_notification_run_duration_seconds",
			Help:    "Duration of one notification pass per frequency tier",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"frequency"},
	)

	// 摘要邮件计数
	DigestSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscribe_digest_sent_total",
			Help: "Digest emails handed to the mailer",
		},
		[]string{"frequency", "status"}, // status: sent, failed
	)

	// 邮件发送计数（验证、确认、管理码、摘要）
	MailSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscribe_mail_sent_total",
			Help: "Emails handed to a mail transport",
		},
		[]string{"kind", "status"}, // status: sent, queued, failed, retry, dead_letter, dropped
	)

	// 订阅生命周期事件
	SubscriptionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscribe_subscription_events_total",
			Help: "Subscription lifecycle transitions",
		},
		[]string{"event"}, // signup, verify, update, unsubscribe, unsubscribe_all
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(operation string) {
	DBSlowQueries.WithLabelValues(operation).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordNotificationRun 记录一次通知扫描耗时
func RecordNotificationRun(frequency string, duration time.Duration) {
	NotificationRunDuration.WithLabelValues(frequency).Observe(duration.Seconds())
}

// IncrementDigestSent 摘要邮件计数
func IncrementDigestSent(frequency, status string) {
	DigestSent.WithLabelValues(frequency, status).Inc()
}

// IncrementMailSent 邮件投递计数
func IncrementMailSent(kind, status string) {
	MailSent.WithLabelValues(kind, status).Inc()
}

// IncrementSubscriptionEvent 订阅事件计数
func IncrementSubscriptionEvent(event string) {
	SubscriptionEvents.WithLabelValues(event).Inc()
}

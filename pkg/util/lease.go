package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease 基于 SETNX 的分布式互斥，rdb 为 nil 时总是成功
type Lease struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewLease(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Lease {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lease{rdb: rdb, ttl: ttl, logger: logger}
}

// Acquire 尝试获取 key；成功时返回 release。
// Redis 不可用时放行（fail-open），与单进程部署行为一致。
func (l *Lease) Acquire(ctx context.Context, key string) (release func(), ok bool) {
	noop := func() {}
	if l == nil || l.rdb == nil {
		return noop, true
	}

	token := randomToken()
	acquired, err := l.rdb.SetNX(ctx, "lease:"+key, token, l.ttl).Result()
	if err != nil {
		l.logger.Warn("Redis lease check failed, allowing run",
			zap.String("key", key),
			zap.Error(err),
		)
		return noop, true
	}
	if !acquired {
		l.logger.Info("Lease held by another process", zap.String("key", key))
		return noop, false
	}

	return func() {
		// 用独立 context，调用方 ctx 可能已取消
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.rdb, []string{"lease:" + key}, token).Err(); err != nil {
			l.logger.Warn("Failed to release lease", zap.String("key", key), zap.Error(err))
		}
	}, true
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

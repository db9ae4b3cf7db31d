package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper 基于 SETNX 的去重标记，rdb 为 nil 时不去重
type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl}
}

// AcquireOnce returns true the first time handler sees id within ttl.
func (d *Deduper) AcquireOnce(ctx context.Context, handler, id string) bool {
	if d == nil || d.rdb == nil {
		return true
	}
	ok, err := d.rdb.SetNX(ctx, dedupKey(handler, id), 1, d.ttl).Result()
	if err != nil {
		// Redis 不可用时不阻止处理
		return true
	}
	return ok
}

// Release forgets id so a redelivery is processed again.
func (d *Deduper) Release(ctx context.Context, handler, id string) {
	if d == nil || d.rdb == nil {
		return
	}
	d.rdb.Del(ctx, dedupKey(handler, id))
}

func dedupKey(handler, id string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, id)
}

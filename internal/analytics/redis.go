// Package analytics records per-venue poll outcome counters in Redis.
// Best effort: a missing or unhealthy Redis never affects polling.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const retention = 14 * 24 * time.Hour

type RedisSink struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, now: time.Now}
}

// RecordPoll increments the hourly bucket for one venue/category pair.
func (s *RedisSink) RecordPoll(ctx context.Context, venueID, category string) {
	key := buildKey(venueID, category, s.now())

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("analytics: redis write failed", "key", key, "err", err)
	}
}

func buildKey(venueID, category string, t time.Time) string {
	return fmt.Sprintf("sniper:v:%s:c:%s:%s", venueID, category, t.UTC().Format("2006010215"))
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brunodmn/notazap/internal/db"
	"github.com/brunodmn/notazap/internal/pacing"
)

// Pacer is a sliding-window scope pacer backed by Redis sorted sets, for
// deployments running more than one scheduler process. The per-minute
// ceiling is only correct when every worker sharing a scope counts against
// the same window, which is what the shared ZSET provides.
type Pacer struct {
	client *Client
	logger *zap.Logger
}

// NewPacer creates a Redis-backed pacer.
func NewPacer(client *Client, logger *zap.Logger) *Pacer {
	return &Pacer{
		client: client,
		logger: logger,
	}
}

const window = time.Minute

// Admit implements pacing.Pacer using a rolling one-minute window.
func (p *Pacer) Admit(ctx context.Context, key string, pol *db.RateLimitPolicy) (pacing.Decision, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	redisKey := fmt.Sprintf("pace:%s", key)

	pipe := p.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return pacing.Decision{}, fmt.Errorf("redis pipeline failed: %w", err)
	}

	count := int(countCmd.Val())
	if count >= pol.MaxPerMinute {
		// Eligible again when the oldest send leaves the window.
		retryAfter := window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retryAfter = time.Until(oldestAt.Add(window))
			if retryAfter < 0 {
				retryAfter = 0
			}
		}

		p.logger.Debug("scope window exhausted",
			zap.String("key", key),
			zap.Int("count", count),
			zap.Int("max_per_minute", pol.MaxPerMinute),
		)
		return pacing.Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	pipe2 := p.client.rdb.Pipeline()
	pipe2.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe2.Expire(ctx, redisKey, window+time.Second)

	if _, err := pipe2.Exec(ctx); err != nil {
		return pacing.Decision{}, fmt.Errorf("redis zadd failed: %w", err)
	}

	d := pacing.Decision{Allowed: true}
	if count >= pol.Burst {
		d.Pause = pacing.HumanDelay(pol)
	}
	return d, nil
}

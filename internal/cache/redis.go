// Package cache provides Redis client construction for the presence service.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"presenced/internal/observability"

	"github.com/redis/go-redis/v9"
)

// metricsHook increments presence_redis_error_rate_total for every non-redis.Nil error.
type metricsHook struct{}

func (h metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrorRate.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (h metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrorRate.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

// NewClient builds a *redis.Client for addr (either a bare host:port or a
// redis:// URL) with the options §5 requires the presence service's clients
// to carry.
//
// go-redis/v9 has no ioredis-style autoResubscribe/enableOfflineQueue/
// enableReadyCheck fields: it always re-issues SUBSCRIBE on reconnect
// (internalizing autoResubscribe=true), it always queues/blocks commands
// against a connection that is mid-(re)connect rather than erroring
// immediately (no offline queue toggle), and it has no separate "ready"
// event to gate on. This service treats go-redis's own
// reconnect-then-resubscribe behavior as behaviorally equivalent to
// autoResubscribe=false + subscriber-driven resubscribe, because
// internal/pubsub re-issues SUBSCRIBE/PSUBSCRIBE itself on every
// (re)established *redis.PubSub rather than trusting a client-level
// auto-resubscribe flag. See DESIGN.md's Open Questions entry on the
// autoResubscribe/enableOfflineQueue/enableReadyCheck assertion for why
// no literal fail-fast check is possible against go-redis/v9's API.
func NewClient(addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL %q: %w", addr, err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	client.AddHook(metricsHook{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return client, nil
}

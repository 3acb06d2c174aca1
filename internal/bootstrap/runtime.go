// Package bootstrap wires the process-wide dependencies presenced needs
// before it can accept connections: the Redis client, and (once it
// connects) the shared ConnectionManager/Subscriber singletons every
// per-session presence.Service reuses.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"presenced/internal/cache"
	"presenced/internal/config"
	"presenced/internal/connmanager"
	"presenced/internal/pubsub"

	"github.com/redis/go-redis/v9"
)

// Runtime holds the dependencies constructed at startup and torn down at
// shutdown.
type Runtime struct {
	Redis *redis.Client
	Conns *connmanager.Manager
	Subs  *pubsub.Subscriber
}

// InitRuntime connects to Redis and brings the ConnectionManager online
// (§4.2's initial CLIENT ID resolution, performed once here rather than
// lazily on the first presence.Service construction, so that the first
// WebSocket to connect is not the one paying for it).
func InitRuntime(cfg *config.Config) (*Runtime, error) {
	rdb, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	cm := connmanager.For(rdb, connmanager.Config{
		PruningInterval: time.Duration(cfg.PruningIntervalMS) * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cm.Ready(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connection manager failed to become ready: %w", err)
	}

	sub := pubsub.For(rdb)

	return &Runtime{Redis: rdb, Conns: cm, Subs: sub}, nil
}

// Shutdown releases the runtime's resources. Safe to call once, at process
// exit, after every presence.Service has been destroyed.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || r.Redis == nil {
		return nil
	}
	r.Conns.Close(ctx)
	r.Subs.Close()
	return r.Redis.Close()
}

// Package locks serializes recovery work per subscription across scheduler
// replicas using short-lived redis locks.
package locks

import (
	"context"
	"strings"

	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient builds the shared redis client. A blank REDIS_ADDR disables
// redis-backed locking, which is acceptable for single-replica deployments.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Warn("redis disabled, subscription locks fall back to row locking only")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

package ratelimit

import (
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// provideRedis returns nil when no address is configured; consumers
// treat a nil client as "limiting disabled".
func provideRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

var Module = fx.Module("rate.limit",
	fx.Provide(provideRedis),
	fx.Provide(NewValidateLimiter),
	fx.Provide(NewLocker),
)

package database

import (
	"context"

	"github.com/redis/go-redis/v9"

	"lingocore/internal/config"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"
)

// NewRedisClient creates and validates the judgement cache connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *observability.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "parse redis URL %s: %v", contextutils.RedactURL(cfg.URL), err)
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		if closeErr := rdb.Close(); closeErr != nil {
			logger.Error(ctx, "Failed to close redis client after ping failure", closeErr)
		}
		return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "ping redis: %v", err)
	}

	logger.Info(ctx, "Redis connected", map[string]interface{}{
		"addr": opt.Addr,
		"db":   opt.DB,
	})

	return rdb, nil
}

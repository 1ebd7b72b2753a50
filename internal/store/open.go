package store

import (
	"context"

	"github.com/navibridge/navibridge/internal/config"
	"github.com/navibridge/navibridge/internal/database"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Open builds the backend selected by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBolt:
		logger.Infof("using bbolt state store at %s", cfg.Store.Path)
		return OpenBoltStore(cfg.Store.Path)
	case config.StoreRedis:
		logger.Infof("using redis state store at %s", cfg.Redis.Addr())
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisStore(client, cfg.Store.Prefix), nil
	case config.StoreMongo:
		logger.Infof("using mongo state store (database=%s)", cfg.MongoDB.Database)
		client, err := database.ConnectMongoWithRetry(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout, 5)
		if err != nil {
			return nil, err
		}
		col := client.Database(cfg.MongoDB.Database).Collection("state")
		return NewMongoStore(col, client), nil
	case config.StoreMemory:
		logger.Warnf("using in-memory state store; sessions will not survive a restart")
		return NewMemoryStore(), nil
	}
	return nil, apperrors.InvalidConfig("store.backend", cfg.Store.Backend, "bolt, redis, mongo or memory")
}

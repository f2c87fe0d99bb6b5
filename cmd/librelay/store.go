package main

import (
	"context"
	"fmt"

	"github.com/forsta-im/librelay-go/config"
	"github.com/forsta-im/librelay-go/store"
	"github.com/redis/go-redis/v9"
)

// openStore selects and initializes the configured store.Store backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var s store.Store
	switch cfg.StorageBacking {
	case config.BackingFilesystem:
		s = store.NewFSStore(cfg.FilesystemRoot, cfg.StorageLabel)
	case config.BackingRedis:
		s = store.NewRedisStore(ctx, redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		}), cfg.StorageLabel)
	default:
		return nil, fmt.Errorf("librelay: unknown storage backing %q", cfg.StorageBacking)
	}
	if err := s.Initialize(); err != nil {
		return nil, fmt.Errorf("librelay: initialize store: %w", err)
	}
	return s, nil
}

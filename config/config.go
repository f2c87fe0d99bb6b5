// Package config loads process configuration (storage backing, storage
// label, service endpoints) from environment variables bound through
// github.com/spf13/viper, with sensible defaults for local use.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Storage backing selectors for RELAY_STORAGE_BACKING.
const (
	BackingFilesystem = "fs"
	BackingRedis      = "redis"
)

const (
	keyStorageBacking = "storage.backing"
	keyStorageLabel   = "storage.label"
	keyFilesystemRoot = "storage.filesystem_root"
	keyRedisAddr      = "redis.addr"
	keyRedisPassword  = "redis.password"
	keyRedisDB        = "redis.db"
	keyServiceBaseURL = "service.base_url"
)

// Config is the resolved process configuration: selectable storage backing
// plus the service endpoint the Signal Service Client and streaming
// transport dial.
type Config struct {
	StorageBacking string
	StorageLabel   string
	FilesystemRoot string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ServiceBaseURL string
}

// Load binds RELAY_-prefixed environment variables over a set of defaults
// and returns the resolved Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetDefault(keyStorageBacking, BackingFilesystem)
	v.SetDefault(keyStorageLabel, "")
	v.SetDefault(keyFilesystemRoot, "")
	v.SetDefault(keyRedisAddr, "127.0.0.1:6379")
	v.SetDefault(keyRedisPassword, "")
	v.SetDefault(keyRedisDB, 0)
	v.SetDefault(keyServiceBaseURL, "https://textsecure-service.example.org")

	bindings := map[string]string{
		keyStorageBacking: "STORAGE_BACKING",
		keyStorageLabel:   "STORAGE_LABEL",
		keyFilesystemRoot: "STORAGE_FILESYSTEM_ROOT",
		keyRedisAddr:      "REDIS_ADDR",
		keyRedisPassword:  "REDIS_PASSWORD",
		keyRedisDB:        "REDIS_DB",
		keyServiceBaseURL: "SERVICE_BASE_URL",
	}
	for confKey, env := range bindings {
		if err := v.BindEnv(confKey, "RELAY_"+env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	backing := v.GetString(keyStorageBacking)
	if backing != BackingFilesystem && backing != BackingRedis {
		return nil, fmt.Errorf("config: unknown RELAY_STORAGE_BACKING %q", backing)
	}

	return &Config{
		StorageBacking: backing,
		StorageLabel:   v.GetString(keyStorageLabel),
		FilesystemRoot: v.GetString(keyFilesystemRoot),
		RedisAddr:      v.GetString(keyRedisAddr),
		RedisPassword:  v.GetString(keyRedisPassword),
		RedisDB:        v.GetInt(keyRedisDB),
		ServiceBaseURL: v.GetString(keyServiceBaseURL),
	}, nil
}

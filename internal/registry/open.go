package registry

import (
	"context"
	"fmt"

	"ecobin/internal/config"
)

// Open connects to the backend selected by cfg.Registry.Backend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch cfg.Registry.Backend {
	case config.RegistryRedis:
		store, err := OpenRedis(ctx, cfg.Registry.RedisAddr, cfg.Registry.RedisPassword, cfg.Registry.RedisDB, cfg.Registry.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.RegistrySQLite, "":
		store, err := OpenSQLite(cfg.Registry.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported registry backend %q", cfg.Registry.Backend)
	}
}

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dyluth/lodge/internal/build"
	"github.com/dyluth/lodge/internal/config"
	"github.com/dyluth/lodge/internal/protocol"
	"github.com/dyluth/lodge/internal/targets"
	"github.com/dyluth/lodge/pkg/runstore"
)

// newRegistry creates the constructor registry. Tests replace it.
var newRegistry = func(src protocol.Source) *build.Registry {
	return targets.NewRegistry(src)
}

// loadProject reads the project file named by --config with environment
// overrides applied.
func loadProject() (*config.LodgeConfig, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// openStore connects to the run store, or returns nil when none is
// configured.
func openStore(ctx context.Context, url, namespace string) (*runstore.Client, error) {
	if url == "" {
		return nil, nil
	}
	client, err := runstore.NewClientFromURL(url, namespace)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to run store at %s: %w", url, err)
	}
	return client, nil
}

// requireStore is openStore for commands that cannot work without one.
func requireStore(ctx context.Context, cfg *config.LodgeConfig) (*runstore.Client, error) {
	if cfg.Store.RedisURL == "" {
		return nil, fmt.Errorf("no run store configured\nSet store.redis_url in %s or the %s environment variable", configPath, config.EnvRedisURL)
	}
	return openStore(ctx, cfg.Store.RedisURL, cfg.Store.Namespace)
}

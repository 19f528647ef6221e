package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	restbridge "github.com/opengovern/restbridge"
	"github.com/opengovern/restbridge/adapters"
	"github.com/opengovern/restbridge/auth"
	"github.com/opengovern/restbridge/cache"
	"github.com/opengovern/restbridge/config"
	"github.com/opengovern/restbridge/logger"
	"github.com/opengovern/restbridge/resource"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app is everything a command needs, built once per invocation.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	client *restbridge.Client
	auth   *auth.Service
	cache  *cache.Coordinator
	redis  *redis.Client
}

func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		ServiceName: "restbridgectl",
		Level:       logger.ParseLevel(cfg.LogLevel),
		Format:      cfg.LogFormat,
		Output:      stderr,
	})

	adapter, err := adapters.ByName(cfg.Adapter, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	client, err := restbridge.NewClient(adapter, cfg.ClientConfig(&log, nil))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, client: client}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", config.EnvRedisURL, err)
		}
		a.redis = redis.NewClient(opts)
	}

	store, err := a.tokenStore()
	if err != nil {
		a.close()
		return nil, err
	}
	a.auth = auth.NewService(client, store, auth.Config{Logger: &log})
	a.auth.Subscribe(func(change auth.StateChange) {
		log.Debug().Str("from", change.From.String()).Str("to", change.To.String()).Str("reason", change.Reason).Msg("auth state changed")
	})
	a.auth.Restore(ctx)

	var cacheStore cache.Store = cache.NewMemoryStore(cfg.CacheTTL)
	if a.redis != nil {
		cacheStore = cache.NewRedisStore(a.redis, cfg.RedisNamespace, cfg.CacheTTL)
	}
	a.cache = cache.NewCoordinator(cacheStore, &log)
	return a, nil
}

// tokenStore prefers an explicit token file, then redis, then a file under
// the user config directory.
func (a *app) tokenStore() (auth.Store, error) {
	key, err := a.cfg.SealKey()
	if err != nil {
		return nil, err
	}
	if a.cfg.TokenFile != "" {
		return auth.NewFileStore(a.cfg.TokenFile, key)
	}
	if a.redis != nil {
		return auth.NewRedisStore(a.redis, a.cfg.RedisNamespace, 0), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("locating config dir: %w", err)
	}
	return auth.NewFileStore(filepath.Join(dir, "restbridge", auth.StorageKey+".json"), key)
}

// ensureFresh refreshes an access token that is about to expire. A failed
// refresh leaves the session anonymous and the request goes out without it.
func (a *app) ensureFresh(ctx context.Context) {
	if !a.auth.ShouldRefreshToken() {
		return
	}
	if _, err := a.auth.RefreshToken(ctx); err != nil {
		a.log.Warn().Err(err).Msg("token refresh failed")
	}
}

func (a *app) resource(endpoint string) *resource.Resource[map[string]any] {
	return resource.New[map[string]any](a.client, endpoint,
		resource.WithCache(a.cache),
		resource.WithLogger(&a.log),
	)
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing redis")
		}
	}
}

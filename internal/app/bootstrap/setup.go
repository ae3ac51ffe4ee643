// Package bootstrap wires the shared runtime both binaries start from:
// settings, database, optional Redis, GeoLite and the source registry.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"proxyharvest/internal/blocklist"
	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/geolite"
	jobruntime "proxyharvest/internal/jobs/runtime"
	"proxyharvest/internal/sources"
	"proxyharvest/internal/support"
)

type Runtime struct {
	// Redis is nil when the instance runs standalone.
	Redis    *redis.Client
	Registry *sources.Registry
	// Blocklist starts empty; callers refresh it.
	Blocklist *blocklist.Blocklist

	renderer        *sources.BrowserRenderer
	heartbeatCancel context.CancelFunc
}

func Setup(ctx context.Context) (*Runtime, error) {
	if err := config.ReadSettings(); err != nil {
		return nil, fmt.Errorf("bootstrap: read settings: %w", err)
	}

	if _, err := database.SetupDB(); err != nil {
		return nil, fmt.Errorf("bootstrap: set up database: %w", err)
	}

	rt := &Runtime{heartbeatCancel: func() {}}

	client, err := support.GetRedisClient()
	if err != nil {
		log.Warn("Redis unavailable, running standalone", "error", err)
	} else {
		rt.Redis = client
		config.EnableRedisSynchronization(ctx, client)
		geolite.EnableRedisDistribution(ctx, client)
		rt.heartbeatCancel = jobruntime.LaunchInstanceHeartbeat(ctx, client)
	}

	if err := geolite.Load(); err != nil {
		log.Warn("GeoLite database not loaded, locations stay unknown", "error", err)
	}

	cfg := config.GetConfig()
	configured := sources.ConfiguredSources(cfg)
	if err := database.RegisterSources(ctx, configured); err != nil {
		rt.Close()
		return nil, fmt.Errorf("bootstrap: register sources: %w", err)
	}
	log.Debug("Sources registered", "count", len(configured))

	rt.renderer = sources.NewBrowserRenderer(sources.RenderTimeout(cfg))
	rt.Registry = sources.NewRegistry(sources.WithRegistryRenderer(rt.renderer))
	rt.Blocklist = blocklist.New()

	log.Info("Runtime ready", "instance", jobruntime.InstanceID(), "redis", rt.Redis != nil, "geolite", geolite.Available())
	return rt, nil
}

// Close stops the background helpers Setup started.
func (rt *Runtime) Close() {
	rt.heartbeatCancel()
	if rt.renderer != nil {
		rt.renderer.Close()
	}
	if rt.Redis != nil {
		geolite.DisableRedisDistribution()
		config.DisableRedisSynchronization()
		if err := support.CloseRedisClient(); err != nil {
			log.Warn("Error closing redis client", "error", err)
		}
	}
}

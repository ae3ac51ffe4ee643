package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
)

// Catalog is the persisted view of which sources exist and which secrets
// are active.
type Catalog interface {
	ListSources(ctx context.Context, tiers []domain.Tier, activeOnly bool) ([]domain.ProxySource, error)
	ActiveCredentials(ctx context.Context) (map[string]map[string]string, error)
}

type databaseCatalog struct{}

func (databaseCatalog) ListSources(ctx context.Context, tiers []domain.Tier, activeOnly bool) ([]domain.ProxySource, error) {
	return database.ListSources(ctx, tiers, activeOnly)
}

func (databaseCatalog) ActiveCredentials(ctx context.Context) (map[string]map[string]string, error) {
	return database.ActiveCredentials(ctx)
}

// DatabaseCatalog reads sources and credentials through the database package.
func DatabaseCatalog() Catalog {
	return databaseCatalog{}
}

// Registry turns a job type into the adapters to invoke.
type Registry struct {
	catalog  Catalog
	settings func() config.Config
	robots   *RobotsGuard
	renderer Renderer
}

type RegistryOption func(*Registry)

func WithCatalog(catalog Catalog) RegistryOption {
	return func(r *Registry) { r.catalog = catalog }
}

func WithSettings(settings func() config.Config) RegistryOption {
	return func(r *Registry) { r.settings = settings }
}

func WithRegistryRenderer(renderer Renderer) RegistryOption {
	return func(r *Registry) { r.renderer = renderer }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	registry := &Registry{
		catalog:  DatabaseCatalog(),
		settings: config.GetConfig,
	}
	for _, opt := range opts {
		opt(registry)
	}
	registry.robots = NewRobotsGuard(registry.settings().Scraper.UserAgent)
	return registry
}

// Select returns the active adapters for jobType. Tiers without active
// sources contribute nothing; API sources without active credentials are
// skipped with a warning.
func (r *Registry) Select(ctx context.Context, jobType domain.JobType) ([]Adapter, error) {
	tiers := jobType.Tiers()
	if len(tiers) == 0 {
		return nil, fmt.Errorf("sources: unknown job type %q", jobType)
	}

	active, err := r.catalog.ListSources(ctx, tiers, true)
	if err != nil {
		return nil, fmt.Errorf("sources: list active sources: %w", err)
	}

	var credentials map[string]map[string]string
	for _, source := range active {
		if source.Kind == domain.SourceKindAPI {
			credentials, err = r.catalog.ActiveCredentials(ctx)
			if err != nil {
				return nil, fmt.Errorf("sources: load credentials: %w", err)
			}
			break
		}
	}

	cfg := r.settings()
	scrapeConfig := make(map[string]config.ScrapeSource, len(cfg.Scraper.Sources))
	for _, source := range cfg.Scraper.Sources {
		scrapeConfig[source.Name] = source
	}

	adapters := make([]Adapter, 0, len(active))
	for _, source := range active {
		switch source.Kind {
		case domain.SourceKindAPI:
			adapter, err := NewAPIAdapter(source.Name, credentials[source.Name])
			if errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrUnknownService) {
				log.Warn("Skipping API source", "source", source.Name, "reason", err)
				continue
			}
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, adapter)

		case domain.SourceKindScrape:
			settings, ok := scrapeConfig[source.Name]
			if !ok || len(settings.Targets) == 0 {
				log.Warn("Skipping scrape source without targets", "source", source.Name)
				continue
			}
			adapters = append(adapters, r.scrapeAdapter(cfg, source, settings))
		}
	}
	return adapters, nil
}

func (r *Registry) scrapeAdapter(cfg config.Config, source domain.ProxySource, settings config.ScrapeSource) *ScrapeAdapter {
	opts := []ScrapeOption{WithUserAgent(cfg.Scraper.UserAgent)}
	if cfg.Scraper.RespectRobots {
		opts = append(opts, WithRobots(r.robots))
	}
	if r.renderer != nil {
		opts = append(opts, WithRenderer(r.renderer))
	}
	return NewScrapeAdapter(source.Name, source.Tier, settings.Targets, opts...)
}

// ConfiguredSources lists the sources the settings declare, ready to be
// registered with the database.
func ConfiguredSources(cfg config.Config) []domain.ProxySource {
	out := make([]domain.ProxySource, 0, len(cfg.Premium.Services)+len(cfg.Scraper.Sources))
	for _, service := range cfg.Premium.Services {
		if _, known := apiServices[service.Name]; !known {
			log.Warn("Ignoring unknown premium service", "service", service.Name)
			continue
		}
		out = append(out, domain.ProxySource{
			Name:     service.Name,
			Kind:     domain.SourceKindAPI,
			Tier:     domain.TierPremium,
			IsActive: service.Active,
		})
	}
	for _, source := range cfg.Scraper.Sources {
		tier := domain.Tier(source.Tier)
		if tier == domain.TierPremium || !tier.Valid() {
			log.Warn("Ignoring scrape source with invalid tier", "source", source.Name, "tier", source.Tier)
			continue
		}
		out = append(out, domain.ProxySource{
			Name:     source.Name,
			Kind:     domain.SourceKindScrape,
			Tier:     tier,
			IsActive: source.Active,
		})
	}
	return out
}

// RenderTimeout is the configured headless render budget.
func RenderTimeout(cfg config.Config) time.Duration {
	return time.Duration(cfg.Scraper.RenderTimeout) * time.Second
}

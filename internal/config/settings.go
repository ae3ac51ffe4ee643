package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Validator ValidatorConfig `json:"validator"`
	Scraper   ScraperConfig   `json:"scraper"`
	Premium   PremiumConfig   `json:"premium"`
	Scheduler SchedulerConfig `json:"scheduler"`
	GeoLite   GeoLiteConfig   `json:"geolite"`
	Blocklist BlocklistConfig `json:"blocklist"`

	BlockedHosts []string `json:"blocked_hosts"`
}

type ValidatorConfig struct {
	TestURL        string `json:"test_url"`
	DefaultTimeout int    `json:"default_timeout"` // seconds
	DefaultWorkers int    `json:"default_workers"`
	UserAgent      string `json:"user_agent"`
}

type ScraperConfig struct {
	UserAgent     string         `json:"user_agent"`
	RespectRobots bool           `json:"respect_robots"`
	RenderTimeout uint32         `json:"render_timeout"` // seconds
	Sources       []ScrapeSource `json:"sources"`
}

// ScrapeSource registers a public or basic list under a stable name.
type ScrapeSource struct {
	Name    string         `json:"name"`
	Tier    uint8          `json:"tier"`
	Active  bool           `json:"active"`
	Targets []ScrapeTarget `json:"targets"`
}

type ScrapeTarget struct {
	URL      string `json:"url"`
	Protocol string `json:"protocol,omitempty"`
	Format   string `json:"format"`
	Limit    int    `json:"limit,omitempty"`
	Render   bool   `json:"render,omitempty"`
}

type PremiumConfig struct {
	Services []PremiumService `json:"services"`
}

type PremiumService struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type SchedulerConfig struct {
	PublicFetch  ScheduledFetch     `json:"public_fetch"`
	BasicFetch   ScheduledFetch     `json:"basic_fetch"`
	Revalidation RevalidationConfig `json:"revalidation"`
	Cleanup      CleanupConfig      `json:"cleanup"`
	OrphanTimer  Timer              `json:"orphan_timer"`
}

type ScheduledFetch struct {
	Enabled  bool  `json:"enabled"`
	Timer    Timer `json:"timer"`
	Timeout  int   `json:"timeout"`
	Workers  int   `json:"workers"`
	Validate bool  `json:"validate"`
}

type RevalidationConfig struct {
	Enabled    bool  `json:"enabled"`
	Timer      Timer `json:"timer"`
	StaleAfter Timer `json:"stale_after"`
	ChunkSize  int   `json:"chunk_size"`
	Timeout    int   `json:"timeout"`
	Workers    int   `json:"workers"`
}

type CleanupConfig struct {
	Enabled bool  `json:"enabled"`
	Timer   Timer `json:"timer"`
	Days    int   `json:"days"`
}

type GeoLiteConfig struct {
	APIKey        string `json:"api_key"`
	AutoUpdate    bool   `json:"auto_update"`
	UpdateTimer   Timer  `json:"update_timer"`
	LastUpdatedAt string `json:"last_updated_at,omitempty"`
}

// BlocklistConfig lists remote IP/CIDR feeds whose addresses are never
// stored as proxies.
type BlocklistConfig struct {
	Sources []string `json:"sources"`
	Timer   Timer    `json:"timer"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = filepath.Join("data", "settings.json")

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	cfg, err := DefaultConfig()
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	configValue.Store(cfg)
	refreshDerivedState(cfg)
}

// DefaultConfig decodes the embedded settings.
func DefaultConfig() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadSettings loads data/settings.json, seeding it from the embedded
// defaults when missing.
func ReadSettings() error {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read settings: %w", err)
		}

		log.Warn("Settings file not found, creating with default configuration", "path", settingsFilePath)
		if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
			return fmt.Errorf("config: create settings dir: %w", err)
		}
		if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
			return fmt.Errorf("config: write default settings: %w", err)
		}
		data = defaultConfig
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return fmt.Errorf("config: decode settings: %w", err)
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "sources", len(newConfig.Scraper.Sources))
	return nil
}

// SetConfig applies, persists, and broadcasts a new configuration.
func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

// Apply swaps the in-memory configuration without persisting or
// broadcasting it.
func Apply(newConfig Config) {
	_ = applyConfigUpdate(newConfig, configUpdateOptions{source: "apply"})
}

func MarkGeoLiteUpdated(ts time.Time) error {
	cfg := GetConfig()
	cfg.GeoLite.LastUpdatedAt = ts.UTC().Format(time.RFC3339)
	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: "geolite"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	refreshDerivedState(newConfig)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("config: encode settings: %w", err))
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("config: write settings: %w", err))
		}
	}

	if opts.broadcast {
		if err := broadcastConfigUpdate(newConfig); err != nil {
			errs = append(errs, fmt.Errorf("config: broadcast: %w", err))
		}
	}

	log.Debug("Configuration applied", "source", opts.source)
	return errors.Join(errs...)
}

func refreshDerivedState(cfg Config) {
	updateHostBlocklist(cfg.BlockedHosts)
	setIntervals(cfg)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}

package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"proxyharvest/internal/config"
)

const userAgent = "proxyharvest-geolite-updater/1.0"

var (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"

	updateGroup singleflight.Group
	httpClient  = &http.Client{Timeout: 2 * time.Minute}
)

// ErrNoAPIKey means no MaxMind license key is configured.
var ErrNoAPIKey = errors.New("geolite: api key is not configured")

type downloadTarget struct {
	editionID string
	filename  string
}

var downloadTargets = []downloadTarget{
	{editionID: "GeoLite2-City", filename: CityFileName},
}

// UpdateDatabases downloads the City edition with the configured license key
// and swaps it in. Concurrent callers share one download.
func UpdateDatabases(ctx context.Context) (bool, error) {
	result, err, _ := updateGroup.Do("update", func() (any, error) {
		apiKey := strings.TrimSpace(config.GetConfig().GeoLite.APIKey)
		if apiKey == "" {
			return false, ErrNoAPIKey
		}

		if err := EnsureDataDir(); err != nil {
			return false, fmt.Errorf("geolite: ensure data dir: %w", err)
		}

		for _, target := range downloadTargets {
			if err := downloadEdition(ctx, apiKey, target); err != nil {
				return false, err
			}
		}

		if err := ReloadFromDisk(); err != nil {
			return false, fmt.Errorf("geolite: reload: %w", err)
		}

		if err := config.MarkGeoLiteUpdated(time.Now().UTC()); err != nil {
			log.Warn("Failed to persist GeoLite updated timestamp", "error", err)
		}

		if err := PublishDatabases(ctx, nil); err != nil && !errors.Is(err, errDistributionDisabled) {
			log.Warn("Failed to publish GeoLite databases to redis", "error", err)
		}

		log.Info("GeoLite databases updated", "editions", len(downloadTargets))
		return true, nil
	})
	if err != nil {
		return false, err
	}

	updated, _ := result.(bool)
	return updated, nil
}

func downloadEdition(ctx context.Context, apiKey string, target downloadTarget) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildDownloadURL(apiKey, target.editionID), nil)
	if err != nil {
		return fmt.Errorf("geolite: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		// the url carries the license key
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("geolite: download %s: %w", target.editionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("geolite: download %s: unexpected status %d: %s", target.editionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := extractDatabase(resp.Body, target.filename, FilePath(target.filename)); err != nil {
		return fmt.Errorf("geolite: %s: %w", target.editionID, err)
	}
	return nil
}

// extractDatabase copies the member named filename out of a tar.gz stream.
func extractDatabase(archive io.Reader, filename, destPath string) error {
	gz, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return errors.New("mmdb file not found in archive")
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != filename {
			continue
		}
		return writeToFile(destPath, tr)
	}
}

// writeToFile replaces destPath atomically through a temp file in the same dir.
func writeToFile(destPath string, data io.Reader) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), destPath)
}

func buildDownloadURL(apiKey, edition string) string {
	query := url.Values{}
	query.Set("edition_id", edition)
	query.Set("license_key", apiKey)
	query.Set("suffix", "tar.gz")
	return maxMindDownloadURL + "?" + query.Encode()
}

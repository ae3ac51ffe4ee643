package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

const (
	robotsCacheTTL     = time.Hour
	robotsFetchTimeout = 10 * time.Second
)

type robotsCacheEntry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

// RobotsGuard answers whether a scrape target may be fetched. robots.txt
// files are cached per origin for an hour.
type RobotsGuard struct {
	userAgent string
	client    *http.Client

	mu      sync.Mutex
	entries map[string]robotsCacheEntry
	group   singleflight.Group
	now     func() time.Time
}

func NewRobotsGuard(userAgent string) *RobotsGuard {
	return &RobotsGuard{
		userAgent: userAgent,
		client:    &http.Client{Timeout: robotsFetchTimeout},
		entries:   make(map[string]robotsCacheEntry),
		now:       time.Now,
	}
}

// Allowed reports whether targetURL may be fetched. A missing or unreadable
// robots.txt allows everything; the error is returned for logging only.
func (g *RobotsGuard) Allowed(ctx context.Context, targetURL string) (bool, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Host == "" {
		return true, fmt.Errorf("robots: invalid target %q", targetURL)
	}

	entry, err := g.load(ctx, parsed)
	if err != nil {
		return true, err
	}
	if entry.data == nil {
		return true, nil
	}

	group := entry.data.FindGroup(g.userAgent)
	if group == nil {
		return true, nil
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return group.Test(path), nil
}

func (g *RobotsGuard) load(ctx context.Context, target *url.URL) (robotsCacheEntry, error) {
	origin := originOf(target)

	g.mu.Lock()
	entry, ok := g.entries[origin]
	if ok && g.now().Sub(entry.fetched) > robotsCacheTTL {
		delete(g.entries, origin)
		ok = false
	}
	g.mu.Unlock()
	if ok {
		return entry, nil
	}

	result, err, _ := g.group.Do(origin, func() (any, error) {
		fetched, err := g.fetch(ctx, origin)
		if err != nil {
			return robotsCacheEntry{}, err
		}
		fetched.fetched = g.now()

		g.mu.Lock()
		g.entries[origin] = fetched
		g.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return robotsCacheEntry{}, err
	}
	return result.(robotsCacheEntry), nil
}

func (g *RobotsGuard) fetch(ctx context.Context, origin string) (robotsCacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return robotsCacheEntry{}, err
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return robotsCacheEntry{}, fmt.Errorf("robots: fetch %s: %w", origin, err)
	}
	defer resp.Body.Close()

	// 4xx means no rules; robotstxt maps 5xx to disallow-all.
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
		return robotsCacheEntry{}, nil
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return robotsCacheEntry{}, fmt.Errorf("robots: parse %s: %w", origin, err)
	}
	return robotsCacheEntry{data: data}, nil
}

func originOf(target *url.URL) string {
	scheme := target.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + target.Host
}

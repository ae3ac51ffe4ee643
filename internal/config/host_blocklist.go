package config

import (
	"net/url"
	"strings"
	"sync/atomic"
)

// blockedHostSet holds normalized hostnames that must never be contacted.
var blockedHostSet atomic.Value

func init() {
	if blockedHostSet.Load() == nil {
		blockedHostSet.Store(map[string]struct{}{})
	}
}

func updateHostBlocklist(entries []string) {
	set := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if host := normalizeHostname(entry); host != "" {
			set[host] = struct{}{}
		}
	}
	blockedHostSet.Store(set)
}

// IsHostBlocked reports whether the URL's host, or a parent domain of it, is blocked.
func IsHostBlocked(rawURL string) bool {
	set, _ := blockedHostSet.Load().(map[string]struct{})
	if len(set) == 0 {
		return false
	}

	host := normalizeHostname(rawURL)
	for host != "" {
		if _, ok := set[host]; ok {
			return true
		}
		_, parent, found := strings.Cut(host, ".")
		if !found {
			break
		}
		host = parent
	}
	return false
}

func normalizeHostname(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}
	return strings.Trim(strings.ToLower(parsed.Hostname()), ".")
}

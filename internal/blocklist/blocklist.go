// Package blocklist keeps an in-memory set of IPv4 addresses and CIDR ranges
// loaded from remote feeds. Candidates on the list are dropped before they
// reach the proxy table.
package blocklist

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"proxyharvest/internal/config"
	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
)

const (
	maxResponseBytes = 10 << 20
	purgeBatch       = 500
)

var (
	ipPattern = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)

	ErrAllSourcesFailed = errors.New("blocklist: every source failed")
)

// Range is an inclusive span of IPv4 addresses.
type Range struct {
	CIDR  string
	Start uint32
	End   uint32
}

type snapshot struct {
	ips    map[uint32]struct{}
	ranges []Range // sorted by Start, non-overlapping
}

// Outcome summarises one refresh.
type Outcome struct {
	Sources int
	Failed  int
	IPs     int
	Ranges  int
	Added   int
}

type Blocklist struct {
	current atomic.Pointer[snapshot]
	group   singleflight.Group
	client  *http.Client
	sources func() []string
}

type Option func(*Blocklist)

func WithHTTPClient(client *http.Client) Option {
	return func(b *Blocklist) { b.client = client }
}

// WithSources replaces the configured feed list.
func WithSources(sources func() []string) Option {
	return func(b *Blocklist) { b.sources = sources }
}

func New(opts ...Option) *Blocklist {
	b := &Blocklist{
		client: &http.Client{Timeout: 30 * time.Second},
		sources: func() []string {
			return config.GetConfig().Blocklist.Sources
		},
	}
	b.current.Store(&snapshot{ips: map[uint32]struct{}{}})
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Size returns the number of single addresses and ranges currently loaded.
func (b *Blocklist) Size() (ips, ranges int) {
	snap := b.current.Load()
	return len(snap.ips), len(snap.ranges)
}

// Load replaces the list with the addresses found in payload.
func (b *Blocklist) Load(payload []byte) {
	ips, ranges := Parse(payload)
	b.current.Store(newSnapshot(ips, ranges))
}

// Contains reports whether ip is listed directly or falls in a listed range.
// Non-IPv4 input is never blocked.
func (b *Blocklist) Contains(ip string) bool {
	addr, ok := ipv4(ip)
	if !ok {
		return false
	}
	return b.current.Load().contains(addr)
}

// Filter drops blocked candidates and returns the rest with the drop count.
func (b *Blocklist) Filter(candidates []domain.Candidate) ([]domain.Candidate, int) {
	snap := b.current.Load()
	if len(snap.ips) == 0 && len(snap.ranges) == 0 {
		return candidates, 0
	}

	allowed := make([]domain.Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		if addr, ok := ipv4(candidate.IP); ok && snap.contains(addr) {
			continue
		}
		allowed = append(allowed, candidate)
	}
	return allowed, len(candidates) - len(allowed)
}

// Refresh downloads every configured source and swaps in the combined list.
// Concurrent callers share one download. When every source fails the
// previous list stays in place.
func (b *Blocklist) Refresh(ctx context.Context) (Outcome, error) {
	result, err, _ := b.group.Do("refresh", func() (any, error) {
		return b.refresh(ctx)
	})
	if err != nil {
		return Outcome{}, err
	}
	return result.(Outcome), nil
}

func (b *Blocklist) refresh(ctx context.Context) (Outcome, error) {
	sources := b.sources()
	outcome := Outcome{Sources: len(sources)}
	if len(sources) == 0 {
		b.current.Store(newSnapshot(nil, nil))
		return outcome, nil
	}

	var (
		ips    []uint32
		ranges []Range
	)
	for _, source := range sources {
		payload, err := b.download(ctx, source)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Outcome{}, err
			}
			outcome.Failed++
			log.Warn("Blocklist source failed", "source", source, "error", err)
			continue
		}
		sourceIPs, sourceRanges := Parse(payload)
		ips = append(ips, sourceIPs...)
		ranges = append(ranges, sourceRanges...)
	}
	if outcome.Failed == len(sources) {
		return outcome, ErrAllSourcesFailed
	}

	before := b.current.Load()
	next := newSnapshot(ips, ranges)
	b.current.Store(next)

	for addr := range next.ips {
		if !before.contains(addr) {
			outcome.Added++
		}
	}
	for _, r := range next.ranges {
		if !before.covers(r) {
			outcome.Added++
		}
	}
	outcome.IPs = len(next.ips)
	outcome.Ranges = len(next.ranges)
	return outcome, nil
}

func (b *Blocklist) download(ctx context.Context, source string) ([]byte, error) {
	if config.IsHostBlocked(source) {
		return nil, fmt.Errorf("host blocked: %s", source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// Purge deletes stored proxies whose address is on the list.
func (b *Blocklist) Purge(ctx context.Context) (int64, error) {
	snap := b.current.Load()
	if len(snap.ips) == 0 && len(snap.ranges) == 0 {
		return 0, nil
	}

	var (
		after   uint64
		removed int64
	)
	for {
		proxies, err := database.ProxyAddresses(ctx, after, purgeBatch)
		if err != nil {
			return removed, err
		}
		if len(proxies) == 0 {
			return removed, nil
		}

		var blocked []uint64
		for _, proxy := range proxies {
			after = proxy.ID
			if addr, ok := ipv4(proxy.IP); ok && snap.contains(addr) {
				blocked = append(blocked, proxy.ID)
			}
		}
		if len(blocked) == 0 {
			continue
		}
		deleted, err := database.DeleteProxies(ctx, blocked)
		removed += deleted
		if err != nil {
			return removed, err
		}
	}
}

// Parse extracts IPv4 addresses and CIDR ranges from a free-form feed.
// Comment lines starting with '#' or ';' are skipped.
func Parse(payload []byte) ([]uint32, []Range) {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	var (
		ips    []uint32
		ranges []Range
	)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' || line[0] == ';' {
			continue
		}
		for _, match := range ipPattern.FindAll(line, -1) {
			token := string(match)
			if !strings.Contains(token, "/") {
				if addr, ok := ipv4(token); ok {
					ips = append(ips, addr)
				}
				continue
			}
			if r, ok := parseCIDR(token); ok {
				ranges = append(ranges, r)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("Blocklist scan stopped early", "error", err)
	}
	return ips, ranges
}

func parseCIDR(raw string) (Range, bool) {
	_, network, err := net.ParseCIDR(raw)
	if err != nil {
		return Range{}, false
	}
	base := network.IP.To4()
	ones, bits := network.Mask.Size()
	if base == nil || bits != 32 {
		return Range{}, false
	}
	start := toUint32(base)
	size := uint64(1) << uint(bits-ones)
	return Range{CIDR: network.String(), Start: start, End: uint32(uint64(start) + size - 1)}, true
}

func newSnapshot(ips []uint32, ranges []Range) *snapshot {
	snap := &snapshot{ips: make(map[uint32]struct{}, len(ips))}
	for _, addr := range ips {
		snap.ips[addr] = struct{}{}
	}
	snap.ranges = mergeRanges(ranges)
	return snap
}

// mergeRanges sorts ranges and folds overlapping or adjacent spans together
// so lookups can binary search.
func mergeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	merged := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if last.End == ^uint32(0) || r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
				last.CIDR = ""
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func (s *snapshot) contains(addr uint32) bool {
	if _, ok := s.ips[addr]; ok {
		return true
	}
	i, found := slices.BinarySearchFunc(s.ranges, addr, func(r Range, target uint32) int {
		switch {
		case r.End < target:
			return -1
		case r.Start > target:
			return 1
		}
		return 0
	})
	return found && i < len(s.ranges)
}

func (s *snapshot) covers(r Range) bool {
	for _, existing := range s.ranges {
		if existing.Start <= r.Start && r.End <= existing.End {
			return true
		}
	}
	return false
}

func ipv4(raw string) (uint32, bool) {
	parsed := net.ParseIP(strings.TrimSpace(raw))
	if parsed == nil {
		return 0, false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, false
	}
	return toUint32(v4), true
}

func toUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"github.com/gocolly/colly/v2"

	"proxyharvest/internal/config"
	"proxyharvest/internal/domain"
	"proxyharvest/internal/support"
)

const (
	FormatText     = "text"
	FormatHTML     = "html"
	FormatGeonode  = "geonode"
	FormatPubproxy = "pubproxy"

	scrapeRequestTimeout = 20 * time.Second
	maxDocumentBytes     = 8 << 20
)

var errTargetSkipped = errors.New("target skipped")

// ScrapeAdapter reads one or more public list pages and parses them by format.
type ScrapeAdapter struct {
	name      string
	tier      domain.Tier
	targets   []config.ScrapeTarget
	userAgent string
	timeout   time.Duration

	robots   *RobotsGuard
	renderer Renderer
}

type ScrapeOption func(*ScrapeAdapter)

// WithRobots makes the adapter honour robots.txt through guard.
func WithRobots(guard *RobotsGuard) ScrapeOption {
	return func(a *ScrapeAdapter) { a.robots = guard }
}

func WithRenderer(renderer Renderer) ScrapeOption {
	return func(a *ScrapeAdapter) { a.renderer = renderer }
}

func WithUserAgent(userAgent string) ScrapeOption {
	return func(a *ScrapeAdapter) {
		if userAgent != "" {
			a.userAgent = userAgent
		}
	}
}

func WithRequestTimeout(timeout time.Duration) ScrapeOption {
	return func(a *ScrapeAdapter) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

func NewScrapeAdapter(name string, tier domain.Tier, targets []config.ScrapeTarget, opts ...ScrapeOption) *ScrapeAdapter {
	adapter := &ScrapeAdapter{
		name:      name,
		tier:      tier,
		targets:   append([]config.ScrapeTarget(nil), targets...),
		userAgent: "proxyharvest/1.0",
		timeout:   scrapeRequestTimeout,
	}
	for _, opt := range opts {
		opt(adapter)
	}
	return adapter
}

func (a *ScrapeAdapter) Name() string            { return a.name }
func (a *ScrapeAdapter) Tier() domain.Tier       { return a.tier }
func (a *ScrapeAdapter) Kind() domain.SourceKind { return domain.SourceKindScrape }

// Fetch reads every target once. The source fails only when no target could
// be read; skipped targets (blocked host, robots) are not failures.
func (a *ScrapeAdapter) Fetch(ctx context.Context) ([]domain.Candidate, error) {
	var (
		candidates []domain.Candidate
		failures   []error
		succeeded  int
	)

	for _, target := range a.targets {
		if err := ctx.Err(); err != nil {
			return nil, fetchError(a.name, err)
		}

		found, err := a.fetchTarget(ctx, target)
		switch {
		case errors.Is(err, errTargetSkipped):
			log.Debug("Scrape target skipped", "source", a.name, "url", target.URL, "reason", err)
			continue
		case err != nil:
			failures = append(failures, fmt.Errorf("%s: %w", target.URL, err))
			continue
		}

		succeeded++
		candidates = append(candidates, found...)
	}

	if succeeded == 0 && len(failures) > 0 {
		return nil, fetchError(a.name, errors.Join(failures...))
	}
	for _, failure := range failures {
		log.Warn("Scrape target failed", "source", a.name, "error", failure)
	}
	return candidates, nil
}

func (a *ScrapeAdapter) fetchTarget(ctx context.Context, target config.ScrapeTarget) ([]domain.Candidate, error) {
	if config.IsHostBlocked(target.URL) {
		return nil, fmt.Errorf("%w: host is blocked", errTargetSkipped)
	}
	if a.robots != nil {
		allowed, err := a.robots.Allowed(ctx, target.URL)
		if err != nil {
			log.Debug("robots.txt check failed", "url", target.URL, "error", err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: disallowed by robots.txt", errTargetSkipped)
		}
	}

	body, err := a.document(ctx, target)
	if err != nil {
		return nil, err
	}

	parsed, err := parseDocument(target, body)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, 0, len(parsed))
	for _, candidate := range parsed {
		candidate.Source = a.name
		candidate.Tier = a.tier
		if candidate.Validate() != nil {
			continue
		}
		candidates = append(candidates, candidate)
		if target.Limit > 0 && len(candidates) >= target.Limit {
			break
		}
	}
	return candidates, nil
}

func (a *ScrapeAdapter) document(ctx context.Context, target config.ScrapeTarget) ([]byte, error) {
	if target.Render {
		if a.renderer == nil {
			return nil, fmt.Errorf("%w: no renderer configured", errTargetSkipped)
		}
		html, err := a.renderer.Render(ctx, target.URL)
		if err != nil {
			return nil, err
		}
		return []byte(html), nil
	}
	return a.download(ctx, target.URL)
}

// download fetches one URL with a fresh collector.
func (a *ScrapeAdapter) download(ctx context.Context, rawURL string) ([]byte, error) {
	collector := colly.NewCollector(
		colly.UserAgent(a.userAgent),
		colly.MaxBodySize(maxDocumentBytes),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(a.timeout)

	var (
		body     []byte
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("unexpected status %d", r.StatusCode)
			return
		}
		fetchErr = err
	})

	visitErr := collector.Visit(rawURL)
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case fetchErr != nil:
		return nil, fetchErr
	case visitErr != nil:
		return nil, visitErr
	}
	return body, nil
}

func parseDocument(target config.ScrapeTarget, body []byte) ([]domain.Candidate, error) {
	format := strings.ToLower(strings.TrimSpace(target.Format))
	switch format {
	case "", FormatText:
		return fromParsed(support.ParseProxyList(string(body)), targetProtocol(target)), nil
	case FormatHTML:
		return parseHTMLTable(body, targetProtocol(target))
	case FormatGeonode:
		return parseGeonode(body)
	case FormatPubproxy:
		return parsePubproxy(body, targetProtocol(target))
	default:
		return nil, fmt.Errorf("unknown format %q", target.Format)
	}
}

func targetProtocol(target config.ScrapeTarget) domain.Protocol {
	if protocol, err := domain.ParseProtocol(target.Protocol); err == nil {
		return protocol
	}
	return domain.ProtocolFromHint(target.URL)
}

func fromParsed(parsed []support.ParsedProxy, fallback domain.Protocol) []domain.Candidate {
	candidates := make([]domain.Candidate, 0, len(parsed))
	for _, p := range parsed {
		protocol := fallback
		if p.Scheme != "" {
			scheme, err := domain.ParseProtocol(p.Scheme)
			if err != nil {
				continue
			}
			protocol = scheme
		}
		candidates = append(candidates, domain.Candidate{
			IP:       p.IP,
			Port:     p.Port,
			Protocol: protocol,
			Username: p.Username,
			Password: p.Password,
		})
	}
	return candidates
}

// parseHTMLTable reads ip and port from the first two cells of each table
// row. Pages without a usable table fall back to a regex over the markup.
func parseHTMLTable(body []byte, protocol domain.Protocol) ([]domain.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var parsed []support.ParsedProxy
	seen := make(map[string]struct{})
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		ip, ok := support.NormalizeIP(strings.TrimSpace(cells.Eq(0).Text()))
		if !ok {
			return
		}
		port, ok := support.ParsePort(strings.TrimSpace(cells.Eq(1).Text()))
		if !ok {
			return
		}
		key := ip + ":" + strconv.Itoa(int(port))
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		parsed = append(parsed, support.ParsedProxy{IP: ip, Port: port})
	})

	if len(parsed) == 0 {
		parsed = support.ExtractAddressPairs(string(body))
	}
	return fromParsed(parsed, protocol), nil
}

// flexPort accepts ports encoded as JSON numbers or strings. Anything else
// decodes to 0 so one bad entry does not sink the whole feed.
type flexPort uint16

func (p *flexPort) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	port, _ := support.ParsePort(raw)
	*p = flexPort(port)
	return nil
}

type geonodeResponse struct {
	Data []struct {
		IP        string   `json:"ip"`
		Port      flexPort `json:"port"`
		Protocols []string `json:"protocols"`
		Country   string   `json:"country"`
		City      string   `json:"city"`
		Region    string   `json:"region"`
	} `json:"data"`
}

func parseGeonode(body []byte) ([]domain.Candidate, error) {
	var resp geonodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode geonode: %w", err)
	}

	var candidates []domain.Candidate
	for _, item := range resp.Data {
		if item.Port == 0 {
			continue
		}
		protocols := item.Protocols
		if len(protocols) == 0 {
			protocols = []string{string(domain.ProtocolHTTP)}
		}
		seen := make(map[domain.Protocol]struct{}, len(protocols))
		for _, raw := range protocols {
			protocol, err := domain.ParseProtocol(raw)
			if err != nil {
				continue
			}
			if _, dup := seen[protocol]; dup {
				continue
			}
			seen[protocol] = struct{}{}
			candidates = append(candidates, domain.Candidate{
				IP:       strings.TrimSpace(item.IP),
				Port:     uint16(item.Port),
				Protocol: protocol,
			})
		}
	}
	return candidates, nil
}

type pubproxyResponse struct {
	Data []struct {
		IPPort string   `json:"ipPort"`
		IP     string   `json:"ip"`
		Port   flexPort `json:"port"`
		Type   string   `json:"type"`
	} `json:"data"`
}

func parsePubproxy(body []byte, fallback domain.Protocol) ([]domain.Candidate, error) {
	var resp pubproxyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// pubproxy answers rate limits with a plain-text body
		if text := strings.TrimSpace(string(body)); text != "" && !strings.HasPrefix(text, "{") {
			return nil, fmt.Errorf("pubproxy: %s", truncate(text, 120))
		}
		return nil, fmt.Errorf("decode pubproxy: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(resp.Data))
	for _, item := range resp.Data {
		if item.Port == 0 {
			continue
		}
		protocol := fallback
		if parsed, err := domain.ParseProtocol(item.Type); err == nil {
			protocol = parsed
		}
		candidates = append(candidates, domain.Candidate{
			IP:       strings.TrimSpace(item.IP),
			Port:     uint16(item.Port),
			Protocol: protocol,
		})
	}
	return candidates, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

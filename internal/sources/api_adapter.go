package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"proxyharvest/internal/domain"
)

const (
	apiRequestTimeout = 20 * time.Second
	webshareListURL   = "https://proxy.webshare.io/api/v2/proxy/list/?mode=direct&page=1&page_size=100"
	webshareMaxPages  = 20
)

// apiService describes one credentialed provider. The set is closed and
// keyed by the configured source name.
type apiService struct {
	required []string
	fetch    func(ctx context.Context, a *APIAdapter) ([]domain.Candidate, error)
}

var apiServices = map[string]apiService{
	"webshare":   {required: []string{"api_key"}, fetch: fetchWebshare},
	"oxylabs":    {required: []string{"username", "password"}, fetch: fetchOxylabs},
	"brightdata": {required: []string{"username", "password", "zone"}, fetch: fetchBrightdata},
}

// gatewayEndpoints are the fixed entry points of the gateway-style services.
var gatewayEndpoints = map[string]struct {
	host  string
	ports []uint16
}{
	"oxylabs":    {host: "pr.oxylabs.io", ports: []uint16{10000, 10001, 10002, 10003, 10004}},
	"brightdata": {host: "zproxy.lum-superproxy.io", ports: []uint16{22225, 22226, 22227}},
}

// APIServices lists the provider names APIAdapter understands.
func APIServices() []string {
	return []string{"webshare", "oxylabs", "brightdata"}
}

// APIAdapter talks to a premium provider with injected credentials.
type APIAdapter struct {
	service     string
	credentials map[string]string
	client      *http.Client

	listURL    string
	gatewayFor func(service string) (string, []uint16)
	resolve    func(ctx context.Context, host string) (string, error)
}

func NewAPIAdapter(service string, credentials map[string]string) (*APIAdapter, error) {
	svc, ok := apiServices[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	for _, key := range svc.required {
		if strings.TrimSpace(credentials[key]) == "" {
			return nil, fmt.Errorf("%w: %s needs %s", ErrMissingCredentials, service, key)
		}
	}

	return &APIAdapter{
		service:     service,
		credentials: credentials,
		client:      &http.Client{Timeout: apiRequestTimeout},
		listURL:     webshareListURL,
		gatewayFor:  defaultGateway,
		resolve:     resolveIPv4,
	}, nil
}

func (a *APIAdapter) Name() string            { return a.service }
func (a *APIAdapter) Tier() domain.Tier       { return domain.TierPremium }
func (a *APIAdapter) Kind() domain.SourceKind { return domain.SourceKindAPI }

func (a *APIAdapter) Fetch(ctx context.Context) ([]domain.Candidate, error) {
	candidates, err := apiServices[a.service].fetch(ctx, a)
	if err != nil {
		return nil, fetchError(a.service, err)
	}
	return keepValid(candidates), nil
}

type webshareList struct {
	Next    *string `json:"next"`
	Results []struct {
		ProxyAddress string `json:"proxy_address"`
		Port         uint16 `json:"port"`
		Username     string `json:"username"`
		Password     string `json:"password"`
		Valid        *bool  `json:"valid"`
	} `json:"results"`
}

func fetchWebshare(ctx context.Context, a *APIAdapter) ([]domain.Candidate, error) {
	var candidates []domain.Candidate

	next := a.listURL
	for page := 0; next != "" && page < webshareMaxPages; page++ {
		var list webshareList
		if err := a.getJSON(ctx, next, &list); err != nil {
			return nil, err
		}

		for _, result := range list.Results {
			if result.Valid != nil && !*result.Valid {
				continue
			}
			for _, protocol := range []domain.Protocol{domain.ProtocolHTTP, domain.ProtocolSOCKS5} {
				candidates = append(candidates, domain.Candidate{
					IP:       result.ProxyAddress,
					Port:     result.Port,
					Protocol: protocol,
					Source:   a.service,
					Tier:     domain.TierPremium,
					Username: result.Username,
					Password: result.Password,
				})
			}
		}

		next = ""
		if list.Next != nil {
			next = *list.Next
		}
	}
	return candidates, nil
}

func (a *APIAdapter) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+a.credentials["api_key"])
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return redactURLError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func fetchOxylabs(ctx context.Context, a *APIAdapter) ([]domain.Candidate, error) {
	return a.gatewayCandidates(ctx, func(int) string { return a.credentials["username"] })
}

func fetchBrightdata(ctx context.Context, a *APIAdapter) ([]domain.Candidate, error) {
	user := a.credentials["username"]
	zone := a.credentials["zone"]
	return a.gatewayCandidates(ctx, func(int) string {
		return fmt.Sprintf("%s-session-%s-zone-%s", user, uuid.NewString()[:8], zone)
	})
}

// gatewayCandidates expands a gateway host into one http and one socks5
// candidate per port. username is called once per port.
func (a *APIAdapter) gatewayCandidates(ctx context.Context, username func(i int) string) ([]domain.Candidate, error) {
	host, ports := a.gatewayFor(a.service)
	ip, err := a.resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	password := a.credentials["password"]
	candidates := make([]domain.Candidate, 0, len(ports)*2)
	for i, port := range ports {
		user := username(i)
		for _, protocol := range []domain.Protocol{domain.ProtocolHTTP, domain.ProtocolSOCKS5} {
			candidates = append(candidates, domain.Candidate{
				IP:       ip,
				Port:     port,
				Protocol: protocol,
				Source:   a.service,
				Tier:     domain.TierPremium,
				Username: user,
				Password: password,
			})
		}
	}
	return candidates, nil
}

func defaultGateway(service string) (string, []uint16) {
	gateway := gatewayEndpoints[service]
	return gateway.host, gateway.ports
}

func resolveIPv4(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP.String(), nil
	}
	return "", fmt.Errorf("no addresses for %s", host)
}

// redactURLError strips the request URL, which may carry a key, from err.
func redactURLError(err error) error {
	if urlErr, ok := err.(*url.Error); ok {
		return fmt.Errorf("%s request failed: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

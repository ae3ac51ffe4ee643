package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const credentialProbeTimeout = 15 * time.Second

// CredentialProbe checks that a gateway candidate can carry one request.
type CredentialProbe func(ctx context.Context, proxyURL *url.URL) error

// TestCredentials checks creds against service without starting a job or
// storing anything. The message is safe to show to users.
func TestCredentials(ctx context.Context, service string, creds map[string]string, probe CredentialProbe) (bool, string) {
	adapter, err := NewAPIAdapter(service, creds)
	if err != nil {
		return false, credentialMessage(err)
	}
	return adapter.testCredentials(ctx, probe)
}

func (a *APIAdapter) testCredentials(ctx context.Context, probe CredentialProbe) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, credentialProbeTimeout)
	defer cancel()

	if a.service == "webshare" {
		var list webshareList
		if err := a.getJSON(ctx, a.listURL, &list); err != nil {
			return false, fmt.Sprintf("webshare rejected the api key: %v", err)
		}
		return true, fmt.Sprintf("webshare api key accepted, %d proxies on the first page", len(list.Results))
	}

	candidates, err := apiServices[a.service].fetch(ctx, a)
	if err != nil {
		return false, err.Error()
	}
	if len(candidates) == 0 {
		return false, "no endpoints to probe"
	}
	if probe == nil {
		probe = httpProbe
	}

	first := candidates[0]
	proxyURL := &url.URL{
		Scheme: string(first.Protocol),
		User:   url.UserPassword(first.Username, first.Password),
		Host:   first.Address(),
	}
	if err := probe(ctx, proxyURL); err != nil {
		return false, fmt.Sprintf("%s gateway probe failed: %s", a.service, redactProxyError(err, first.Password))
	}
	return true, fmt.Sprintf("%s gateway accepted the credentials", a.service)
}

func httpProbe(ctx context.Context, proxyURL *url.URL) error {
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   credentialProbeTimeout,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://httpbin.org/ip", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusProxyAuthRequired, http.StatusUnauthorized, http.StatusForbidden:
		return errors.New("authentication rejected")
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func credentialMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnknownService):
		return "unknown service"
	case errors.Is(err, ErrMissingCredentials):
		return err.Error()
	default:
		return "invalid credentials"
	}
}

func redactProxyError(err error, secret string) string {
	message := redactURLError(err).Error()
	if secret != "" {
		message = strings.ReplaceAll(message, secret, "***")
	}
	return message
}

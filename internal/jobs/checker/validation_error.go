package checker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
)

// Error kinds stored on failed ProxyTest rows.
const (
	KindTimeout  = "timeout"
	KindRefused  = "refused"
	KindAuth     = "auth"
	KindStatus   = "status"
	KindDNS      = "dns"
	KindProtocol = "protocol"
	KindOther    = "other"
)

// ValidationError classifies why a proxy failed its probe. Message never
// carries the proxy's credentials.
type ValidationError struct {
	Kind    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Kind + ": " + e.Message
}

var userinfoPattern = regexp.MustCompile(`[A-Za-z0-9+.\-]*://[^/\s]+@`)

func statusError(code int, secrets ...string) *ValidationError {
	kind := KindStatus
	switch code {
	case http.StatusProxyAuthRequired, http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuth
	}
	return &ValidationError{Kind: kind, Message: sanitize(fmt.Sprintf("unexpected status %d %s", code, http.StatusText(code)), secrets...)}
}

func classify(err error, secrets ...string) *ValidationError {
	var existing *ValidationError
	if errors.As(err, &existing) {
		return existing
	}

	kind := KindOther
	var (
		dnsErr *net.DNSError
		netErr net.Error
	)
	lower := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.As(err, &dnsErr):
		kind = KindDNS
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(lower, "connection refused"):
		kind = KindRefused
	case strings.Contains(lower, "authentication"), strings.Contains(lower, "username/password"),
		strings.Contains(lower, "rejected"):
		kind = KindAuth
	case strings.Contains(lower, "socks"), strings.Contains(lower, "malformed"),
		strings.Contains(lower, "tls"), strings.Contains(lower, "eof"):
		kind = KindProtocol
	}

	message := err.Error()
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		message = urlErr.Err.Error()
	}
	return &ValidationError{Kind: kind, Message: sanitize(message, secrets...)}
}

// sanitize removes userinfo and every non-empty secret from message.
func sanitize(message string, secrets ...string) string {
	message = userinfoPattern.ReplaceAllStringFunc(message, func(match string) string {
		scheme, _, _ := strings.Cut(match, "://")
		return scheme + "://***@"
	})
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		message = strings.ReplaceAll(message, secret, "***")
		if escaped := url.QueryEscape(secret); escaped != secret {
			message = strings.ReplaceAll(message, escaped, "***")
		}
	}
	return message
}

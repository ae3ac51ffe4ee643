package checker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"proxyharvest/internal/domain"
)

// newTransport builds a single-use transport that tunnels every request
// through candidate. Keep-alives are off so nothing outlives the probe.
func newTransport(candidate domain.Candidate, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: -1}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		DisableKeepAlives:     true,
		MaxIdleConns:          0,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}

	address := candidate.Address()
	switch candidate.Protocol {
	case domain.ProtocolHTTP:
		proxyURL := &url.URL{Scheme: "http", Host: address}
		if candidate.HasAuth() {
			proxyURL.User = url.UserPassword(candidate.Username, candidate.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)

	case domain.ProtocolSOCKS5:
		var auth *proxy.Auth
		if candidate.HasAuth() {
			auth = &proxy.Auth{User: candidate.Username, Password: candidate.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", address, auth, dialer)
		if err != nil {
			return nil, err
		}
		if contextDialer, ok := socksDialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialWithContext(ctx, func() (net.Conn, error) { return socksDialer.Dial(network, addr) })
			}
		}

	case domain.ProtocolSOCKS4:
		proxyURL := &url.URL{
			Scheme:   "socks4",
			Host:     address,
			RawQuery: url.Values{"timeout": {timeout.String()}}.Encode(),
		}
		if candidate.Username != "" {
			proxyURL.User = url.User(candidate.Username)
		}
		dial := socks.Dial(proxyURL.String())
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialWithContext(ctx, func() (net.Conn, error) { return dial(network, addr) })
		}

	default:
		return nil, fmt.Errorf("unsupported protocol %q", candidate.Protocol)
	}

	return transport, nil
}

// dialWithContext abandons a dial that does not honour ctx itself. A
// connection that arrives after ctx is done is closed.
func dialWithContext(ctx context.Context, dial func() (net.Conn, error)) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := dial()
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

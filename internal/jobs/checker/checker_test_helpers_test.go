package checker

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"proxyharvest/internal/database"
	"proxyharvest/internal/domain"
)

type memoryRecorder struct {
	mu       sync.Mutex
	outcomes []database.TestOutcome
	err      error
}

func (r *memoryRecorder) RecordTest(_ context.Context, outcome database.TestOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.outcomes = append(r.outcomes, outcome)
	return nil
}

func (r *memoryRecorder) byProxy() map[uint64]database.TestOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]database.TestOutcome, len(r.outcomes))
	for _, outcome := range r.outcomes {
		out[outcome.ProxyID] = outcome
	}
	return out
}

// newHTTPProxyStub answers proxied requests itself, as if it had forwarded
// them to an ip echo service. A non-empty user/pass enforces basic auth.
func newHTTPProxyStub(t *testing.T, user, pass string) (domain.Candidate, *httptest.Server) {
	t.Helper()
	want := ""
	if user != "" {
		want = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want != "" && r.Header.Get("Proxy-Authorization") != want {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		if !r.URL.IsAbs() {
			http.Error(w, "not a proxy request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"origin": "198.51.100.23"}`)
	}))
	t.Cleanup(server.Close)

	return listenerCandidate(t, server.Listener.Addr(), domain.ProtocolHTTP), server
}

func listenerCandidate(t *testing.T, addr net.Addr, protocol domain.Protocol) domain.Candidate {
	t.Helper()
	host, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split listener address: %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse listener port: %v", err)
	}
	return domain.Candidate{IP: host, Port: uint16(port), Protocol: protocol, Tier: domain.TierPublic, Source: "test"}
}

// newSOCKS5Stub runs a no-auth SOCKS5 server that supports CONNECT only.
func newSOCKS5Stub(t *testing.T) domain.Candidate {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSOCKS5(conn)
		}
	}()

	return listenerCandidate(t, listener.Addr(), domain.ProtocolSOCKS5)
}

func serveSOCKS5(client net.Conn) {
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))

	header := make([]byte, 2)
	if _, err := io.ReadFull(client, header); err != nil || header[0] != 5 {
		return
	}
	if _, err := io.ReadFull(client, make([]byte, header[1])); err != nil {
		return
	}
	if _, err := client.Write([]byte{5, 0}); err != nil {
		return
	}

	request := make([]byte, 4)
	if _, err := io.ReadFull(client, request); err != nil || request[1] != 1 {
		return
	}

	var host string
	switch request[3] {
	case 1:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(client, ip); err != nil {
			return
		}
		host = net.IP(ip).String()
	case 3:
		length := make([]byte, 1)
		if _, err := io.ReadFull(client, length); err != nil {
			return
		}
		name := make([]byte, length[0])
		if _, err := io.ReadFull(client, name); err != nil {
			return
		}
		host = string(name)
	default:
		return
	}
	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(client, portBytes); err != nil {
		return
	}
	port := binary.BigEndian.Uint16(portBytes)

	upstream, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		_, _ = client.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer upstream.Close()
	if _, err := client.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
		return
	}

	go func() { _, _ = io.Copy(upstream, client) }()
	_, _ = io.Copy(client, upstream)
}

// newEchoServer is a direct test endpoint reachable through SOCKS tunnels.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ip": "198.51.100.42"}`)
	}))
	t.Cleanup(server.Close)
	return server
}

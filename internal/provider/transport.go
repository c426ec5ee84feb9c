package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. maxConns caps connections per upstream host; 0 keeps
// the default of 200.
func NewTransport(resolver *dnscache.Resolver, maxConns int) *http.Transport {
	if maxConns <= 0 {
		maxConns = 200
	}
	t := &http.Transport{
		MaxIdleConnsPerHost: min(100, maxConns),
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewHTTPClient builds the per-provider client. The timeout covers the whole
// exchange for unary calls; streaming adapters pass their longer stream
// timeout instead.
func NewHTTPClient(resolver *dnscache.Resolver, timeout time.Duration, maxConns int) *http.Client {
	return &http.Client{
		Transport: NewTransport(resolver, maxConns),
		Timeout:   timeout,
	}
}

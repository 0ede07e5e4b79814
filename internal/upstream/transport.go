package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling,
// a bounded connect timeout, and optional DNS caching.
func NewTransport(resolver *dnscache.Resolver, connectTimeout time.Duration) *http.Transport {
	d := &net.Dialer{Timeout: connectTimeout}
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext:         d.DialContext,
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
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewHTTPClient wraps NewTransport with the overall request deadline.
// requestTimeout bounds the entire exchange including streaming reads.
func NewHTTPClient(resolver *dnscache.Resolver, connectTimeout, requestTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: NewTransport(resolver, connectTimeout),
		Timeout:   requestTimeout,
	}
}

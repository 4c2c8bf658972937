// Package transport provides the bounded-connection-pool HTTP client shared
// by the scheduler's endpoint calls and the webhook engine's deliveries.
package transport

import (
	"net"
	"net/http"
	"time"
)

const maxConnsPerHost = 64

// NewClient returns an http.Client capped at maxConnsPerHost connections per
// destination host, with the given overall request timeout. A timeout of
// zero leaves the request unbounded by the client (callers are expected to
// carry a context deadline instead).
func NewClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       maxConnsPerHost,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

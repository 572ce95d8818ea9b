// Package loopback builds the HTTP client used for all traffic between the
// bridge and the local daemon.
package loopback

import (
	"net"
	"net/http"
	"time"
)

// Timeouts is the connect/read pair applied to every daemon request.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

// DefaultTimeouts keeps daemon calls short; the daemon is local and a slow
// answer means it is not there.
var DefaultTimeouts = Timeouts{Connect: 100 * time.Millisecond, Read: 500 * time.Millisecond}

// NewClient returns a client that never consults proxy settings and bounds
// each request by the connect and read timeouts.
func NewClient(t Timeouts) *http.Client {
	if t.Connect <= 0 {
		t.Connect = DefaultTimeouts.Connect
	}
	if t.Read <= 0 {
		t.Read = DefaultTimeouts.Read
	}
	dialer := &net.Dialer{Timeout: t.Connect}
	transport := &http.Transport{
		// nil Proxy: ambient HTTP(S)_PROXY must not capture loopback calls.
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: t.Read,
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   t.Connect + t.Read,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

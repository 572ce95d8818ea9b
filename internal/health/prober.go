// Package health checks whether the local daemon answers on its current port.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carlosprados/assetlink/internal/loopback"
	"github.com/carlosprados/assetlink/internal/ports"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Backoff settings for WaitAlive.
const (
	WaitInitialInterval = 100 * time.Millisecond
	WaitMaxInterval     = 2 * time.Second
	WaitMultiplier      = 2.0
)

// Status is the tri-state outcome of a probe.
type Status int

const (
	Alive Status = iota
	Unreachable
	Unexpected
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Unreachable:
		return "unreachable"
	case Unexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is produced fresh by every probe.
type Result struct {
	Status  Status
	Code    int    // HTTP status, 0 when the daemon did not answer
	PID     string // body of the root endpoint when alive
	Reason  error  // transport error when unreachable
	Message string
}

// Alive reports whether the daemon answered 200.
func (r Result) Alive() bool { return r.Status == Alive }

// Prober issues liveness checks against the registry's current address.
type Prober struct {
	reg    *ports.Registry
	client *http.Client
}

// New creates a prober. A nil client gets the default loopback client.
func New(reg *ports.Registry, client *http.Client) *Prober {
	if client == nil {
		client = loopback.NewClient(loopback.DefaultTimeouts)
	}
	return &Prober{reg: reg, client: client}
}

// Probe sends one GET to the daemon root. Transport failures, timeouts
// included, come back as Unreachable; the returned error is reserved for
// requests that could not be built at all.
func (p *Prober) Probe(ctx context.Context) (Result, error) {
	address := p.reg.Address()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{
			Status:  Unreachable,
			Reason:  err,
			Message: fmt.Sprintf("EXCEPTION OCCURRED: %v", err),
		}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{
			Status:  Unexpected,
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("Server response not 200: %d", resp.StatusCode),
		}, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return Result{
			Status:  Unreachable,
			Code:    resp.StatusCode,
			Reason:  err,
			Message: fmt.Sprintf("EXCEPTION OCCURRED: %v", err),
		}, nil
	}
	pid := strings.TrimSpace(string(body))
	return Result{
		Status:  Alive,
		Code:    resp.StatusCode,
		PID:     pid,
		Message: "Server alive, PID: " + pid,
	}, nil
}

// WaitAlive probes with exponential backoff until the daemon answers 200 or
// timeout elapses. It returns the last result seen.
func (p *Prober) WaitAlive(ctx context.Context, timeout time.Duration) (Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = WaitInitialInterval
	b.MaxInterval = WaitMaxInterval
	b.Multiplier = WaitMultiplier
	b.MaxElapsedTime = timeout

	var last Result
	operation := func() error {
		res, err := p.Probe(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = res
		if !res.Alive() {
			log.Debug().Str("address", p.reg.Address()).Str("status", res.Status.String()).Msg("daemon not ready")
			return errors.New(res.Message)
		}
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return last, err
}

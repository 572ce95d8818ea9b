// Package agent drives a Supervisor from a host process: a periodic poller
// and a small local HTTP API for status and metrics.
package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlosprados/assetlink/internal/health"
	"github.com/carlosprados/assetlink/internal/supervisor"
	"github.com/rs/zerolog/log"
)

// Options defines the runtime configuration for the agent.
type Options struct {
	HTTPAddr     string
	PollInterval time.Duration
	// AutoStart adopts or starts the daemon when Run begins.
	AutoStart bool
}

// Agent is the host side runtime around one Supervisor.
type Agent struct {
	opts   Options
	sup    *supervisor.Supervisor
	start  time.Time
	closed atomic.Bool
	ticks  atomic.Int64

	mu       sync.RWMutex
	last     health.Result
	lastTick time.Time
}

// New creates an Agent for sup.
func New(sup *supervisor.Supervisor, opts Options) *Agent {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Agent{opts: opts, sup: sup, start: time.Now()}
}

// Run polls until ctx is done or the agent is closed. It does not stop the
// daemon on return; call Shutdown on the supervisor for that.
func (a *Agent) Run(ctx context.Context) error {
	if a.opts.AutoStart {
		if _, err := a.sup.EnsureRunning(ctx); err != nil {
			return err
		}
	}
	t := time.NewTicker(a.opts.PollInterval)
	defer t.Stop()
	for {
		a.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if a.closed.Load() {
				return nil
			}
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	// Every call below is bounded by the loopback timeouts; the extra
	// deadline only guards against a slow report decode.
	tctx, cancel := context.WithTimeout(ctx, 5*a.opts.PollInterval)
	defer cancel()
	res, err := a.sup.Tick(tctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn().Str("component", "agent").Err(err).Msg("tick failed")
		}
		return
	}
	a.ticks.Add(1)
	a.mu.Lock()
	a.last = res
	a.lastTick = time.Now()
	a.mu.Unlock()
}

// LastProbe returns the result of the most recent tick.
func (a *Agent) LastProbe() (health.Result, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.lastTick
}

// Serve runs the local API until ctx is done.
func (a *Agent) Serve(ctx context.Context) error {
	if a.opts.HTTPAddr == "" {
		<-ctx.Done()
		return nil
	}
	srv := &http.Server{Addr: a.opts.HTTPAddr, Handler: a.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Info().Str("component", "agent").Str("addr", a.opts.HTTPAddr).Msg("local API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the poll loop at its next tick.
func (a *Agent) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	log.Info().Str("component", "agent").Msg("agent closed")
	return nil
}

// Package supervisor owns everything needed to keep one daemon usable: the
// port registry, the launcher and its handle, the prober, the request
// gateway and the connectivity notifier. A host creates one Supervisor and
// passes it around instead of relying on package level state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/carlosprados/assetlink/internal/config"
	"github.com/carlosprados/assetlink/internal/events"
	"github.com/carlosprados/assetlink/internal/gateway"
	"github.com/carlosprados/assetlink/internal/health"
	"github.com/carlosprados/assetlink/internal/metrics"
	"github.com/carlosprados/assetlink/internal/ports"
	"github.com/carlosprados/assetlink/internal/report"
	"github.com/carlosprados/assetlink/internal/runner"
	"github.com/carlosprados/assetlink/internal/state"
	"github.com/carlosprados/assetlink/internal/status"
	"github.com/carlosprados/assetlink/internal/store"
	"github.com/carlosprados/assetlink/internal/version"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle of the supervised daemon.
type State string

const (
	StateNone     State = "none"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// DaemonStatusTask is the report task type carrying remote connectivity.
const DaemonStatusTask = "daemon_status"

// finishedTaskTTL is how long finished tasks stay in the task store.
const finishedTaskTTL = 10 * time.Minute

// Options carries the collaborators a host may replace.
type Options struct {
	Sink       report.Sink       // user notifications; logged when nil
	HTTPClient *http.Client      // loopback client; default timeouts when nil
	Events     *events.Publisher // optional broker publisher
	Version    string            // four part version; version.Current when empty
}

// Supervisor is the single owner of daemon related state. Fields below mu
// are written only by the methods named next to them.
type Supervisor struct {
	cfg      config.Config
	version  string
	reg      *ports.Registry
	launcher *runner.Launcher
	prober   *health.Prober
	gw       *gateway.Client
	notifier *status.Notifier
	tasks    *store.MemoryStore
	sink     report.Sink
	events   *events.Publisher

	mu           sync.Mutex
	state        State            // setState
	handle       *runner.Handle   // Start, Adopt, Shutdown
	retired      []*runner.Handle // StartOnNextPort
	exitReported bool             // CheckExit
	savedPort    int              // persist
	stopSampling context.CancelFunc
}

// New builds a supervisor from cfg. cfg.SystemID should already be resolved.
func New(cfg config.Config, opts Options) (*Supervisor, error) {
	reg, err := ports.New(cfg.Ports...)
	if err != nil {
		return nil, fmt.Errorf("port registry: %w", err)
	}
	v := opts.Version
	if v == "" {
		v = version.Current
	}
	parsed, err := version.Parse(v)
	if err != nil {
		return nil, err
	}
	sink := opts.Sink
	if sink == nil {
		sink = report.LogSink{}
	}
	s := &Supervisor{
		cfg:      cfg,
		version:  parsed.String(),
		reg:      reg,
		launcher: runner.New(sink),
		prober:   health.New(reg, opts.HTTPClient),
		gw:       gateway.New(reg, opts.HTTPClient),
		notifier: status.New(cfg.Server, sink),
		tasks:    store.NewMemoryStore(),
		sink:     sink,
		events:   opts.Events,
		state:    StateNone,
	}
	s.notifier.Subscribe(status.ObserverFunc(func(t status.Transition) { metrics.SetOnline(t.Online) }))
	if s.events != nil {
		s.notifier.Subscribe(s.events)
	}
	metrics.SetPort(reg.Current())
	return s, nil
}

func (s *Supervisor) Registry() *ports.Registry { return s.reg }
func (s *Supervisor) Gateway() *gateway.Client { return s.gw }
func (s *Supervisor) Notifier() *status.Notifier { return s.notifier }
func (s *Supervisor) Tasks() *store.MemoryStore { return s.tasks }
func (s *Supervisor) Launcher() *runner.Launcher { return s.launcher }
func (s *Supervisor) Version() string { return s.version }
func (s *Supervisor) Config() config.Config { return s.cfg }
func (s *Supervisor) Subscribe(o status.Observer) { s.notifier.Subscribe(o) }

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the current daemon handle, nil when none.
func (s *Supervisor) Handle() *runner.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// setState must be called with mu held.
func (s *Supervisor) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	log.Info().Str("component", "supervisor").Str("state", string(st)).Int("port", s.reg.Current()).Msg("state change")
}

func (s *Supervisor) launchOptions(port int) runner.Options {
	return runner.Options{
		Port:   port,
		Server: s.cfg.Server,
		Proxy: runner.Proxy{
			Which:   s.cfg.Proxy.Which,
			Address: s.cfg.Proxy.Address,
			CACerts: s.cfg.Proxy.CACerts,
		},
		IPVersion:   s.cfg.IPVersion,
		SystemID:    s.cfg.SystemID,
		Version:     s.version,
		Interpreter: s.cfg.Daemon.Interpreter,
		Script:      s.cfg.Daemon.Script,
		DaemonDir:   s.cfg.Daemon.Dir,
		Deps: runner.Deps{
			Installed:    s.cfg.Deps.Installed,
			Preinstalled: s.cfg.Deps.Preinstalled,
		},
	}
}

// Start launches a daemon on the registry's current port. When the
// supervisor already runs one, that handle is returned instead. Launch
// failures have already been reported to the user when they are returned.
func (s *Supervisor) Start(ctx context.Context) (*runner.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) (*runner.Handle, error) {
	if h := s.liveLocked(); h != nil {
		log.Debug().Str("component", "supervisor").Int("pid", h.PID).Int("port", h.Port).Msg("daemon already running")
		return h, nil
	}
	port := s.reg.Current()
	s.setState(StateStarting)
	h, err := s.launcher.Start(ctx, s.launchOptions(port))
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}
	s.attachLocked(h)
	if s.events != nil {
		s.events.DaemonStarted(h.Port, h.PID)
	}
	return h, nil
}

// liveLocked returns the current handle while its process has not exited.
func (s *Supervisor) liveLocked() *runner.Handle {
	if s.handle != nil && !s.handle.Poll().Exited {
		return s.handle
	}
	return nil
}

func (s *Supervisor) attachLocked(h *runner.Handle) {
	if s.stopSampling != nil {
		s.stopSampling()
	}
	s.handle = h
	s.exitReported = false
	s.setState(StateRunning)
	metrics.SetPort(s.reg.Current())

	sctx, cancel := context.WithCancel(context.Background())
	s.stopSampling = cancel
	go metrics.SampleProcessMetrics(sctx, h.PID, 5*time.Second)

	s.persistLocked()
}

// StartOnNextPort promotes the port after the current one and starts a
// second daemon there. The previous daemon is kept so Shutdown can stop it.
func (s *Supervisor) StartOnNextPort(ctx context.Context) (*runner.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.reg.Next()
	if next == s.reg.Current() {
		return nil, errors.New("no fallback port configured")
	}
	if err := s.reg.Reorder(next); err != nil {
		return nil, err
	}
	metrics.IncPortPromotions()
	log.Warn().Str("component", "supervisor").Int("port", next).Msg("starting daemon on fallback port")
	if s.handle != nil {
		s.retired = append(s.retired, s.handle)
		s.handle = nil
	}
	return s.startLocked(ctx)
}

// Adopt takes over a daemon recorded by an earlier run. The recorded process
// must still be the one created at the recorded time, and the daemon on its
// port must report that same PID. It reports whether it adopted; a
// supervisor that already runs a daemon keeps it.
func (s *Supervisor) Adopt(ctx context.Context) (bool, error) {
	s.mu.Lock()
	live := s.liveLocked() != nil
	s.mu.Unlock()
	if live {
		return true, nil
	}
	snap, err := state.Load(s.cfg.StateDir())
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if snap.Empty() {
		return false, nil
	}
	if !runner.SameProcess(snap.PID, snap.StartedAt) {
		log.Info().Str("component", "supervisor").Int("pid", snap.PID).Msg("recorded daemon is gone")
		_ = state.Clear(s.cfg.StateDir())
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.reg.Ports()
	if err := s.reg.Reorder(snap.Port); err != nil {
		// Port no longer configured.
		return false, nil
	}
	res, err := s.prober.Probe(ctx)
	if err != nil {
		s.restoreOrder(before)
		return false, err
	}
	metrics.ObserveProbe(res.Status.String())
	if !res.Alive() {
		s.restoreOrder(before)
		log.Info().Str("component", "supervisor").Int("port", snap.Port).Str("probe", res.Message).Msg("recorded daemon does not answer")
		return false, nil
	}
	if res.PID != strconv.Itoa(snap.PID) {
		s.restoreOrder(before)
		log.Warn().Str("component", "supervisor").Int("port", snap.Port).Int("recorded_pid", snap.PID).Str("daemon_pid", res.PID).Msg("port is served by another daemon, not adopting")
		_ = state.Clear(s.cfg.StateDir())
		return false, nil
	}
	h := runner.Adopt(snap.PID, snap.Port, snap.LogPath, snap.StartedAt)
	s.attachLocked(h)
	log.Info().Str("component", "supervisor").Int("pid", h.PID).Int("port", h.Port).Msg("adopted running daemon")
	return true, nil
}

// restoreOrder undoes promotions by promoting the old order back to front
// from last to first.
func (s *Supervisor) restoreOrder(order []int) {
	for i := len(order) - 1; i >= 0; i-- {
		_ = s.reg.Reorder(order[i])
	}
}

// EnsureRunning keeps the running daemon, adopts a recorded one or starts a
// new one, in that order.
func (s *Supervisor) EnsureRunning(ctx context.Context) (*runner.Handle, error) {
	s.mu.Lock()
	h := s.liveLocked()
	s.mu.Unlock()
	if h != nil {
		return h, nil
	}
	ok, err := s.Adopt(ctx)
	if err != nil {
		log.Warn().Str("component", "supervisor").Err(err).Msg("adopt failed, starting fresh")
	}
	if ok {
		return s.Handle(), nil
	}
	return s.Start(ctx)
}

// Probe checks the daemon on the current port.
func (s *Supervisor) Probe(ctx context.Context) (health.Result, error) {
	res, err := s.prober.Probe(ctx)
	if err != nil {
		return res, err
	}
	metrics.ObserveProbe(res.Status.String())
	log.Debug().Str("component", "supervisor").Str("address", s.reg.Address()).Str("status", res.Status.String()).Msg(res.Message)
	return res, nil
}

// WaitAlive blocks until the daemon answers or timeout elapses.
func (s *Supervisor) WaitAlive(ctx context.Context, timeout time.Duration) (health.Result, error) {
	return s.prober.WaitAlive(ctx, timeout)
}

// CheckExit polls the daemon and, the first time it is seen stopped,
// reports the diagnosis. The boolean is false while it is running or when
// there is no daemon.
func (s *Supervisor) CheckExit() (runner.Diagnosis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return runner.Diagnosis{}, false
	}
	h := s.handle
	d, exited := runner.Classify(h.Poll(), runner.ExitContext{LogPath: h.LogPath, DepsPath: s.cfg.DepsPath()})
	if !exited {
		return d, false
	}
	if !s.exitReported {
		s.exitReported = true
		s.setState(StateFailed)
		s.sink.Report(fmt.Sprintf("Daemon server exited with code %d: %s", d.Code, d.Message), report.Error, runner.ErrorDuration)
		if s.events != nil {
			s.events.DaemonExited(h.Port, h.PID, d.Code, d.Message)
		}
		_ = state.Clear(s.cfg.StateDir())
	}
	return d, true
}

// Tick is one poller step: probe, fetch reports, feed the notifier and
// detect an exited daemon.
func (s *Supervisor) Tick(ctx context.Context) (health.Result, error) {
	res, err := s.Probe(ctx)
	if err != nil {
		return res, err
	}

	tasks, rerr := s.gw.GetReports(ctx, s.cfg.APIKey)
	if rerr != nil {
		if !res.Alive() {
			s.notifier.Handle(0)
			s.CheckExit()
		}
	} else {
		s.tasks.UpsertAll(tasks)
		for _, t := range tasks {
			if t.TaskType == DaemonStatusTask {
				s.notifier.Handle(onlineStatus(t))
			}
		}
	}
	s.tasks.Prune(time.Now().Add(-finishedTaskTTL))

	s.mu.Lock()
	if s.handle != nil && s.savedPort != s.reg.Current() {
		// The report fallback promoted another port.
		s.persistLocked()
	}
	s.mu.Unlock()
	metrics.SetPort(s.reg.Current())
	return res, nil
}

func onlineStatus(t gateway.Task) int {
	switch v := t.Result["online_status"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Shutdown asks every daemon this supervisor started, retired ones included,
// to exit over HTTP on its own port, then stops whatever is still running.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil && len(s.retired) == 0 {
		s.setState(StateStopped)
		return nil
	}
	s.setState(StateStopping)

	timeout := stopTimeoutFromEnv()
	var errs []error
	for _, h := range append(s.retired, s.handle) {
		if h == nil {
			continue
		}
		if err := s.stopHandle(ctx, h, timeout); err != nil {
			errs = append(errs, fmt.Errorf("stop pid %d: %w", h.PID, err))
		}
	}
	if s.stopSampling != nil {
		s.stopSampling()
		s.stopSampling = nil
	}
	s.handle = nil
	s.retired = nil
	_ = state.Clear(s.cfg.StateDir())
	s.setState(StateStopped)
	return errors.Join(errs...)
}

// shutdownGrace bounds the wait for a daemon that accepted /shutdown.
const shutdownGrace = 3 * time.Second

func (s *Supervisor) stopHandle(ctx context.Context, h *runner.Handle, timeout time.Duration) error {
	if h.Poll().Exited {
		return nil
	}
	if err := s.gw.ShutdownAt(ctx, h.Port); err != nil {
		log.Debug().Str("component", "supervisor").Int("port", h.Port).Err(err).Msg("shutdown request failed")
	} else {
		wctx, cancel := context.WithTimeout(ctx, min(shutdownGrace, timeout))
		err := h.Wait(wctx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return s.launcher.Stop(ctx, h, timeout)
}

func (s *Supervisor) persistLocked() {
	if s.handle == nil {
		return
	}
	snap := state.Snapshot{
		Ports:     s.reg.Ports(),
		Port:      s.reg.Current(),
		PID:       s.handle.PID,
		LogPath:   s.handle.LogPath,
		StartedAt: s.handle.StartedAt,
		SystemID:  s.cfg.SystemID,
		Version:   s.version,
	}
	if err := state.Save(s.cfg.StateDir(), snap); err != nil {
		log.Warn().Str("component", "supervisor").Err(err).Msg("persist snapshot")
		return
	}
	s.savedPort = snap.Port
}

// stopTimeoutFromEnv returns how long Shutdown waits before killing. Default
// 5s, override with ASSETLINK_STOP_TIMEOUT (e.g. "2s").
func stopTimeoutFromEnv() time.Duration {
	v := os.Getenv("ASSETLINK_STOP_TIMEOUT")
	if v == "" {
		return 5 * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return 5 * time.Second
}

package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/carlosprados/assetlink/internal/config"
	"github.com/carlosprados/assetlink/internal/report"
	"github.com/carlosprados/assetlink/internal/runner"
	"github.com/carlosprados/assetlink/internal/state"
	"github.com/carlosprados/assetlink/internal/stub"
	"github.com/stretchr/testify/assert"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/require"
)

const helperEnv = "ASSETLINK_SUPERVISOR_HELPER"

// The test binary runs the stub daemon when launched as the interpreter.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(stub.Run(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T, ports ...int) config.Config {
	t.Helper()
	t.Setenv(helperEnv, "1")
	t.Setenv("ASSETLINK_STOP_TIMEOUT", "3s")
	dir := t.TempDir()
	return config.Config{
		DataDir:   dir,
		Server:    "https://assets.example.com",
		SystemID:  "sys-test",
		IPVersion: "BOTH",
		Ports:     ports,
		Proxy:     config.Proxy{Which: "SYSTEM"},
		Daemon: config.Daemon{
			Interpreter: os.Args[0],
			Script:      "daemon.py",
			Dir:         filepath.Join(dir, "daemon"),
		},
		Deps: config.Deps{
			Installed:    filepath.Join(dir, "deps", "installed"),
			Preinstalled: filepath.Join(dir, "deps", "preinstalled"),
		},
	}
}

func newSupervisor(t *testing.T, cfg config.Config, rec *report.Recorder) *Supervisor {
	t.Helper()
	s, err := New(cfg, Options{Sink: rec, Version: "3.12.0.7"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func waitAlive(t *testing.T, s *Supervisor) {
	t.Helper()
	res, err := s.WaitAlive(context.Background(), 15*time.Second)
	require.NoError(t, err, res.Message)
}

func texts(rec *report.Recorder) []string {
	var out []string
	for _, m := range rec.Messages() {
		out = append(out, m.Text)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, Options{})
	assert.Error(t, err, "empty registry")

	cfg.Ports = []int{1}
	_, err = New(cfg, Options{Version: "not-a-version"})
	assert.Error(t, err)

	s, err := New(cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateNone, s.State())
	assert.Nil(t, s.Handle())
}

func TestEndToEnd_ProbeBeforeAndAfterStart(t *testing.T) {
	rec := &report.Recorder{}
	s := newSupervisor(t, testConfig(t, freePort(t)), rec)
	ctx := context.Background()

	res, err := s.Probe(ctx)
	require.NoError(t, err)
	assert.False(t, res.Alive())
	assert.Contains(t, res.Message, "EXCEPTION")

	h, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, filepath.Join(s.Config().Daemon.Dir, "daemon-"+strconv.Itoa(h.Port)+".log"), h.LogPath)
	waitAlive(t, s)

	res, err = s.Probe(ctx)
	require.NoError(t, err)
	assert.True(t, res.Alive())
	assert.Contains(t, res.Message, strconv.Itoa(h.PID))

	snap, err := state.Load(s.Config().StateDir())
	require.NoError(t, err)
	assert.Equal(t, h.PID, snap.PID)
	assert.Equal(t, "3.12.0.7", snap.Version)

	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, s.Notifier().Online())
	assert.Contains(t, texts(rec), "Connected to assets.example.com")
	_, ok := s.Tasks().Get("daemon_status-" + strconv.Itoa(s.Gateway().AppID()))
	assert.True(t, ok)

	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, StateStopped, s.State())
	assert.True(t, h.Poll().Exited)
	snap, err = state.Load(s.Config().StateDir())
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestTick_DaemonGoneGoesOffline(t *testing.T) {
	rec := &report.Recorder{}
	s := newSupervisor(t, testConfig(t, freePort(t)), rec)
	ctx := context.Background()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	waitAlive(t, s)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	require.True(t, s.Notifier().Online())

	require.NoError(t, s.Shutdown(ctx))
	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, res.Alive())
	assert.False(t, s.Notifier().Online())
	_, err = s.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Connected to assets.example.com",
		"Disconnected from assets.example.com",
	}, texts(rec))
}

func TestCheckExit_ClassifiesAndReportsOnce(t *testing.T) {
	rec := &report.Recorder{}
	cfg := testConfig(t, freePort(t))
	t.Setenv(stub.EnvExitCode, "111")
	s := newSupervisor(t, cfg, rec)

	h, err := s.Start(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	d, ok := s.CheckExit()
	require.True(t, ok)
	assert.Equal(t, 111, d.Code)
	assert.Contains(t, d.Message, "firewall")
	assert.Equal(t, StateFailed, s.State())

	_, ok = s.CheckExit()
	assert.True(t, ok)
	require.Len(t, rec.Messages(), 1)
	assert.Equal(t, report.Error, rec.Messages()[0].Severity)
	assert.Contains(t, rec.Messages()[0].Text, "exited with code 111")
}

func TestCheckExit_RunningOrAbsent(t *testing.T) {
	s := newSupervisor(t, testConfig(t, freePort(t)), &report.Recorder{})
	_, ok := s.CheckExit()
	assert.False(t, ok)

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	waitAlive(t, s)
	d, ok := s.CheckExit()
	assert.False(t, ok)
	assert.True(t, d.Running)
}

func TestStart_LaunchFailure(t *testing.T) {
	rec := &report.Recorder{}
	cfg := testConfig(t, freePort(t))
	cfg.Daemon.Interpreter = filepath.Join(t.TempDir(), "missing")
	s := newSupervisor(t, cfg, rec)

	_, err := s.Start(context.Background())
	var le *runner.LaunchError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, StateFailed, s.State())
	assert.Nil(t, s.Handle())
	assert.NotEmpty(t, rec.Messages())
}

func TestAdopt(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, freePort(t), port)
	first := newSupervisor(t, cfg, &report.Recorder{})
	require.NoError(t, first.Registry().Reorder(port))
	h, err := first.Start(context.Background())
	require.NoError(t, err)
	waitAlive(t, first)

	second := newSupervisor(t, cfg, &report.Recorder{})
	assert.NotEqual(t, port, second.Registry().Current())
	ok, err := second.Adopt(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, port, second.Registry().Current(), "adopting promotes the recorded port")
	assert.Equal(t, h.PID, second.Handle().PID)
	assert.True(t, second.Handle().Adopted())
	assert.Equal(t, StateRunning, second.State())

	require.NoError(t, second.Shutdown(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestAdopt_NothingToAdopt(t *testing.T) {
	cfg := testConfig(t, freePort(t), freePort(t))
	s := newSupervisor(t, cfg, &report.Recorder{})
	ok, err := s.Adopt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// A recorded daemon that no longer runs is forgotten.
	before := s.Registry().Ports()
	require.NoError(t, state.Save(cfg.StateDir(), state.Snapshot{PID: 1 << 30, Port: before[1], Ports: before}))
	ok, err = s.Adopt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, s.Registry().Ports())
	snap, err := state.Load(cfg.StateDir())
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestAdopt_LiveProcessNotAnsweringKeepsOrder(t *testing.T) {
	cfg := testConfig(t, freePort(t), freePort(t), freePort(t))
	s := newSupervisor(t, cfg, &report.Recorder{})
	before := s.Registry().Ports()
	// The test process is alive but serves nothing on the recorded port.
	self, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	created, err := self.CreateTime()
	require.NoError(t, err)
	require.NoError(t, state.Save(cfg.StateDir(), state.Snapshot{
		PID:       os.Getpid(),
		Port:      before[2],
		Ports:     before,
		StartedAt: time.UnixMilli(created),
	}))

	ok, err := s.Adopt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, s.Registry().Ports())
}

// startUnrelated runs a stub daemon outside any supervisor.
func startUnrelated(t *testing.T, port int) (*exec.Cmd, time.Time) {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-u", "daemon.py", "--port", strconv.Itoa(port))
	require.NoError(t, cmd.Start())
	started := time.Now()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd, started
}

func TestAdopt_RecordedPIDIsNotTheDaemonOnPort(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, freePort(t), port)
	owner := newSupervisor(t, cfg, &report.Recorder{})
	require.NoError(t, owner.Registry().Reorder(port))
	_, err := owner.Start(context.Background())
	require.NoError(t, err)
	waitAlive(t, owner)

	other, started := startUnrelated(t, freePort(t))
	require.NoError(t, state.Save(cfg.StateDir(), state.Snapshot{
		PID:       other.Process.Pid,
		Port:      port,
		Ports:     cfg.Ports,
		StartedAt: started,
	}))

	s := newSupervisor(t, cfg, &report.Recorder{})
	before := s.Registry().Ports()
	ok, err := s.Adopt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, s.Handle())
	assert.Equal(t, before, s.Registry().Ports())
	snap, err := state.Load(cfg.StateDir())
	require.NoError(t, err)
	assert.True(t, snap.Empty(), "a snapshot naming a foreign process is dropped")

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, runner.Running(other.Process.Pid), "unowned process must not be signalled")
}

func TestAdopt_RecycledPIDIsForgotten(t *testing.T) {
	cfg := testConfig(t, freePort(t), freePort(t))
	s := newSupervisor(t, cfg, &report.Recorder{})
	before := s.Registry().Ports()
	// Alive, but created long before the recorded start.
	require.NoError(t, state.Save(cfg.StateDir(), state.Snapshot{
		PID:       os.Getpid(),
		Port:      before[1],
		Ports:     before,
		StartedAt: time.Now().Add(time.Hour),
	}))

	ok, err := s.Adopt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, s.Registry().Ports())
	snap, err := state.Load(cfg.StateDir())
	require.NoError(t, err)
	assert.True(t, snap.Empty())
}

func TestStart_SecondCallKeepsRunningDaemon(t *testing.T) {
	s := newSupervisor(t, testConfig(t, freePort(t)), &report.Recorder{})
	ctx := context.Background()

	h1, err := s.Start(ctx)
	require.NoError(t, err)
	waitAlive(t, s)

	h2, err := s.Start(ctx)
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	h3, err := s.EnsureRunning(ctx)
	require.NoError(t, err)
	assert.Same(t, h1, h3)
	assert.False(t, h3.Adopted(), "the spawned handle keeps its exit code")

	ok, err := s.Adopt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Same(t, h1, s.Handle())

	_, exited := s.CheckExit()
	assert.False(t, exited)
	assert.Equal(t, StateRunning, s.State())
}

func TestStart_AfterExitStartsAgain(t *testing.T) {
	s := newSupervisor(t, testConfig(t, freePort(t)), &report.Recorder{})
	ctx := context.Background()

	h1, err := s.Start(ctx)
	require.NoError(t, err)
	waitAlive(t, s)
	require.NoError(t, s.Gateway().Shutdown(ctx))
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, h1.Wait(wctx))

	h2, err := s.Start(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, h1.PID, h2.PID)
	waitAlive(t, s)
}

func TestStartOnNextPort(t *testing.T) {
	p1, p2 := freePort(t), freePort(t)
	s := newSupervisor(t, testConfig(t, p1, p2), &report.Recorder{})
	ctx := context.Background()

	h1, err := s.Start(ctx)
	require.NoError(t, err)
	waitAlive(t, s)

	h2, err := s.StartOnNextPort(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{p2, p1}, s.Registry().Ports())
	assert.Equal(t, p2, h2.Port)
	waitAlive(t, s)

	snap, err := state.Load(s.Config().StateDir())
	require.NoError(t, err)
	assert.Equal(t, p2, snap.Port)

	require.NoError(t, s.Shutdown(ctx))
	// Both were asked over HTTP on their own port and exited cleanly.
	assert.Equal(t, runner.ExitStatus{Exited: true, Code: 0}, h1.Poll())
	assert.Equal(t, runner.ExitStatus{Exited: true, Code: 0}, h2.Poll())
}

func TestStartOnNextPort_SinglePort(t *testing.T) {
	s := newSupervisor(t, testConfig(t, freePort(t)), &report.Recorder{})
	_, err := s.StartOnNextPort(context.Background())
	assert.Error(t, err)
}

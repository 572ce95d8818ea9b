// Package runner starts the daemon as a detached child process, watches it
// and explains why it stopped.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/carlosprados/assetlink/internal/metrics"
	"github.com/carlosprados/assetlink/internal/ports"
	"github.com/carlosprados/assetlink/internal/report"
	"github.com/rs/zerolog/log"
)

// ErrorDuration is how long launch failures stay visible to the user.
const ErrorDuration = 10 * time.Second

// Proxy mirrors the proxy preferences forwarded to the daemon.
type Proxy struct {
	Which   string
	Address string
	CACerts string
}

// Deps are the two library directories put on the interpreter search path.
type Deps struct {
	Installed    string
	Preinstalled string
}

// Options specifies how to start the daemon.
type Options struct {
	Port      int
	Server    string
	Proxy     Proxy
	IPVersion string
	SystemID  string
	Version   string

	Interpreter string
	Script      string
	DaemonDir   string
	Deps        Deps
}

// LogPath returns where the daemon for this port writes its output.
func (o Options) LogPath() string { return LogPath(o.DaemonDir, o.Port) }

// LogPath is the per-port daemon log file under dir.
func LogPath(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("daemon-%d.log", port))
}

func (o Options) args() []string {
	return []string{
		"-u", o.Script,
		"--port", strconv.Itoa(o.Port),
		"--server", o.Server,
		"--proxy_which", o.Proxy.Which,
		"--proxy_address", o.Proxy.Address,
		"--proxy_ca_certs", o.Proxy.CACerts,
		"--ip_version", o.IPVersion,
		"--system_id", o.SystemID,
		"--version", o.Version,
	}
}

// Launcher starts and stops daemon processes.
type Launcher struct {
	sink     report.Sink
	platform platform
}

// New creates a launcher reporting failures to sink. A nil sink logs them.
func New(sink report.Sink) *Launcher {
	if sink == nil {
		sink = report.LogSink{}
	}
	return &Launcher{sink: sink, platform: currentPlatform()}
}

// Environ builds the daemon environment on top of base.
func (l *Launcher) Environ(base []string, o Options) []string {
	env := append([]string(nil), base...)
	env = setEnv(env, "PYTHONPATH", o.Deps.Installed+string(os.PathListSeparator)+o.Deps.Preinstalled)
	interpDir := filepath.Dir(o.Interpreter)
	env = setEnv(env, "PYTHONHOME", filepath.Clean(filepath.Join(interpDir, "..")))
	if extra := l.platform.certPath(interpDir); extra != "" {
		cur, _ := lookupEnv(env, "PATH")
		env = setEnv(env, "PATH", cur+string(os.PathListSeparator)+extra)
	}
	return env
}

// Preflight runs `<interpreter> --version`. The result is informational only.
func (l *Launcher) Preflight(ctx context.Context, interpreter string, env []string) error {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, interpreter, "--version")
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	l.platform.detach(cmd)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	code := -1
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	log.Warn().Str("component", "runner").
		Int("exit_code", code).
		Str("stdout", strings.TrimSpace(stdout.String())).
		Str("stderr", strings.TrimSpace(stderr.String())).
		Str("interpreter", interpreter).
		Strs("env", env).
		Err(err).
		Msg("error checking interpreter")
	return fmt.Errorf("preflight %s: %w", interpreter, err)
}

// Start launches the daemon and returns its handle. A failed pre-flight check
// does not stop the launch.
func (l *Launcher) Start(ctx context.Context, o Options) (*Handle, error) {
	if o.Interpreter == "" || o.Script == "" {
		return nil, l.fail(o, &LaunchError{Kind: KindUnexpected, Dir: o.DaemonDir, Err: errors.New("interpreter and daemon script are required")})
	}
	env := l.Environ(os.Environ(), o)
	preErr := l.Preflight(ctx, o.Interpreter, env)

	if err := os.MkdirAll(o.DaemonDir, 0o755); err != nil {
		return nil, l.fail(o, l.classify(o.DaemonDir, err))
	}
	logPath := o.LogPath()
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, l.fail(o, l.classify(o.DaemonDir, err))
	}

	// Not CommandContext: the daemon outlives the request that started it.
	cmd := exec.Command(o.Interpreter, o.args()...)
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	l.platform.detach(cmd)
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, l.fail(o, l.classify(o.DaemonDir, err))
	}
	// The child holds its own descriptor.
	_ = logFile.Close()

	h := newHandle(cmd, o.Port, logPath)
	if preErr == nil {
		metrics.ObserveStart(o.Port, "ok")
		log.Info().Str("component", "runner").Str("address", ports.AddressOf(o.Port)).Str("log", logPath).Int("pid", h.PID).Msg("daemon server starting")
	} else {
		metrics.ObserveStart(o.Port, "preflight_failed")
		log.Warn().Str("component", "runner").Str("address", ports.AddressOf(o.Port)).Str("log", logPath).Int("pid", h.PID).Msg("tried to start daemon server")
		l.sink.Report("Due to unsuccessful interpreter check the daemon server will probably fail to run. Please report a bug.", report.Error, report.DefaultDuration)
	}
	return h, nil
}

func (l *Launcher) fail(o Options, le *LaunchError) *LaunchError {
	metrics.ObserveStart(o.Port, le.Kind.String())
	log.Error().Str("component", "runner").Int("port", o.Port).Str("kind", le.Kind.String()).Err(le.Err).Msg("daemon failed to start")
	l.sink.Report(le.Message(), report.Error, ErrorDuration)
	return le
}

// Stop sends a termination request to the daemon and escalates to a kill when
// it has not exited within timeout.
func (l *Launcher) Stop(ctx context.Context, h *Handle, timeout time.Duration) error {
	if h == nil || h.PID <= 0 {
		return nil
	}
	if st := h.Poll(); st.Exited {
		return nil
	}
	if err := l.platform.terminate(h.PID); err != nil {
		log.Debug().Str("component", "runner").Int("pid", h.PID).Err(err).Msg("terminate failed")
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := h.Wait(waitCtx); err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Warn().Str("component", "runner").Int("pid", h.PID).Dur("timeout", timeout).Msg("daemon did not exit, killing")
	if err := l.platform.kill(h.PID); err != nil {
		return fmt.Errorf("kill %d: %w", h.PID, err)
	}
	killCtx, cancelKill := context.WithTimeout(ctx, timeout)
	defer cancelKill()
	return h.Wait(killCtx)
}

func lookupEnv(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(env[i], "=")
		if ok && envKeyEqual(k, key) {
			return v, true
		}
	}
	return "", false
}

func setEnv(env []string, key, value string) []string {
	for i, kv := range env {
		k, _, ok := strings.Cut(kv, "=")
		if ok && envKeyEqual(k, key) {
			env[i] = k + "=" + value
			return env
		}
	}
	return append(env, key+"="+value)
}

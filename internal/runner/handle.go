package runner

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/carlosprados/assetlink/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// UnknownExitCode is reported for adopted daemons whose exit was not observed.
const UnknownExitCode = -1

// ExitStatus is the result of a non-blocking poll.
type ExitStatus struct {
	Exited bool
	Code   int
}

// Handle is a started or adopted daemon process.
type Handle struct {
	PID       int
	Port      int
	LogPath   string
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	status ExitStatus
}

func newHandle(cmd *exec.Cmd, port int, logPath string) *Handle {
	h := &Handle{
		PID:       cmd.Process.Pid,
		Port:      port,
		LogPath:   logPath,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	go h.watch()
	return h
}

// Adopt wraps a daemon started by a previous run. Its liveness is checked by
// PID and its exit code is never known.
func Adopt(pid, port int, logPath string, startedAt time.Time) *Handle {
	return &Handle{PID: pid, Port: port, LogPath: logPath, StartedAt: startedAt}
}

// Adopted reports whether the handle has no child process attached.
func (h *Handle) Adopted() bool { return h.cmd == nil }

func (h *Handle) watch() {
	err := h.cmd.Wait()
	code := h.cmd.ProcessState.ExitCode()
	h.mu.Lock()
	h.status = ExitStatus{Exited: true, Code: code}
	h.mu.Unlock()
	close(h.done)

	metrics.ObserveExit(code)
	ev := log.Info()
	if code != 0 {
		ev = log.Warn()
	}
	ev.Str("component", "runner").Int("pid", h.PID).Int("port", h.Port).Int("exit_code", code).AnErr("wait", err).Msg("daemon exited")
}

// Poll returns the exit status without blocking.
func (h *Handle) Poll() ExitStatus {
	if h.cmd == nil {
		return h.pollAdopted()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) pollAdopted() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Exited {
		return h.status
	}
	if Running(h.PID) {
		return ExitStatus{}
	}
	h.status = ExitStatus{Exited: true, Code: UnknownExitCode}
	return h.status
}

// Wait blocks until the daemon exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	if h.cmd != nil {
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if h.Poll().Exited {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// startTolerance absorbs the gap between the kernel's process creation time
// and the StartedAt taken just after spawn.
const startTolerance = 3 * time.Second

// SameProcess reports whether pid is running and was created at startedAt,
// so a recycled PID is not mistaken for the daemon recorded earlier.
func SameProcess(pid int, startedAt time.Time) bool {
	if startedAt.IsZero() || !Running(pid) {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	ms, err := p.CreateTime()
	if err != nil {
		return false
	}
	d := time.UnixMilli(ms).Sub(startedAt)
	return d > -startTolerance && d < startTolerance
}

// Running reports whether a process with pid exists and has not exited.
func Running(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	ok, err := p.IsRunning()
	if err != nil {
		return false
	}
	if !ok {
		return false
	}
	// A zombie is still in the table but will never answer again.
	st, err := p.Status()
	if err == nil {
		for _, s := range st {
			if s == process.Zombie {
				return false
			}
		}
	}
	return true
}

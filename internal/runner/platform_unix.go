//go:build !windows

package runner

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type unixPlatform struct{}

func currentPlatform() platform { return unixPlatform{} }

func envKeyEqual(a, b string) bool { return a == b }

func (unixPlatform) detach(cmd *exec.Cmd) {
	// Own process group so signals to the host do not reach the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (unixPlatform) certPath(string) string { return "" }

func (unixPlatform) blocked(error) bool { return false }

func (unixPlatform) terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func (unixPlatform) kill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// signalGroup signals the daemon's group, falling back to the process alone
// for adopted daemons that may not lead a group.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

//go:build windows

package runner

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

type windowsPlatform struct{}

func currentPlatform() platform { return windowsPlatform{} }

func envKeyEqual(a, b string) bool { return strings.EqualFold(a, b) }

func (windowsPlatform) detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NO_WINDOW}
}

// certPath points at the certificate bundle shipped next to the host
// application.
func (windowsPlatform) certPath(interpDir string) string {
	p, err := filepath.Abs(filepath.Join(interpDir, "..", "..", "..", "blender.crt"))
	if err != nil {
		return filepath.Join(interpDir, "..", "..", "..", "blender.crt")
	}
	return p
}

// blocked matches "The parameter is incorrect", which antivirus software
// causes when it vetoes CreateProcess.
func (windowsPlatform) blocked(err error) bool {
	return errors.Is(err, windows.ERROR_INVALID_PARAMETER)
}

// Windows has no SIGTERM; the daemon is asked to stop over HTTP first.
func (windowsPlatform) terminate(pid int) error { return killPID(pid) }

func (windowsPlatform) kill(pid int) error { return killPID(pid) }

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

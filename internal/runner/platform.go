package runner

import "os/exec"

// platform isolates the OS specific parts of launching and stopping.
type platform interface {
	// detach keeps the child out of the caller's console and signal group.
	detach(cmd *exec.Cmd)
	// certPath is appended to PATH, empty when the OS needs nothing.
	certPath(interpDir string) string
	// blocked reports the spawn error raised when security software
	// rejects the launch.
	blocked(err error) bool
	terminate(pid int) error
	kill(pid int) error
}

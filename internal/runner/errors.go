package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
)

// Kind classifies launch failures.
type Kind int

const (
	KindUnexpected Kind = iota
	KindPermission
	KindBlocked
	KindOS
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindBlocked:
		return "blocked"
	case KindOS:
		return "os"
	default:
		return "unexpected"
	}
}

// LaunchError is a fatal daemon start failure. It has always been reported to
// the user by the time the caller sees it.
type LaunchError struct {
	Kind Kind
	Dir  string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("start daemon (%s): %v", e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Message is the text shown to the user.
func (e *LaunchError) Message() string {
	switch e.Kind {
	case KindPermission:
		return fmt.Sprintf("FATAL ERROR: Write access denied to %s. Check you have write permissions to the directory.", e.Dir)
	case KindBlocked:
		return fmt.Sprintf("FATAL ERROR: Daemon server blocked from starting. Please check your antivirus or firewall. Error: %v", e.Err)
	case KindOS:
		return e.Err.Error()
	default:
		return fmt.Sprintf("Error: Daemon server failed to start - %v", e.Err)
	}
}

func (l *Launcher) classify(dir string, err error) *LaunchError {
	le := &LaunchError{Kind: KindUnexpected, Dir: dir, Err: err}
	var (
		pathErr *os.PathError
		sysErr  *os.SyscallError
		execErr *exec.Error
		errno   syscall.Errno
	)
	switch {
	case errors.Is(err, fs.ErrPermission):
		le.Kind = KindPermission
	case l.platform.blocked(err):
		le.Kind = KindBlocked
	case errors.As(err, &pathErr), errors.As(err, &sysErr), errors.As(err, &execErr), errors.As(err, &errno):
		le.Kind = KindOS
	}
	return le
}

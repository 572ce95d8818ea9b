package runner

import "fmt"

// ExitContext supplies the paths quoted in remediation text.
type ExitContext struct {
	LogPath  string
	DepsPath string
}

// Diagnosis explains a daemon exit.
type Diagnosis struct {
	Running bool
	Code    int
	Message string
}

func (d Diagnosis) String() string {
	if d.Running {
		return "Daemon process is running."
	}
	return fmt.Sprintf("Daemon exited with code %d: %s", d.Code, d.Message)
}

// Classify maps an exit status to a user message. The boolean is false while
// the daemon is still running, in which case there is nothing to report.
func Classify(st ExitStatus, ec ExitContext) (Diagnosis, bool) {
	if !st.Exited {
		return Diagnosis{Running: true}, false
	}
	d := Diagnosis{Code: st.Code}
	switch st.Code {
	case 100:
		d.Message = fmt.Sprintf("unexpected OSError. Please report a bug and paste content of log %s", ec.LogPath)
	case 101:
		d.Message = fmt.Sprintf("failed to import the networking library. Try to delete %s and restart.", ec.DepsPath)
	case 102:
		d.Message = fmt.Sprintf("failed to import the certificate bundle. Try to delete %s and restart.", ec.DepsPath)
	case 111:
		d.Message = "unable to bind any socket. Check your antivirus/firewall and unblock the daemon."
	case 113:
		d.Message = "cannot open port. Check your antivirus/firewall and unblock the daemon."
	case 114:
		d.Message = fmt.Sprintf("invalid pointer address. Please report a bug and paste content of log %s", ec.LogPath)
	case 121:
		d.Message = `semaphore timeout exceeded. In preferences set IP version to "Use only IPv4".`
	case 148, 149:
		d.Message = "address already in use. Select different daemon port in preferences."
	default:
		d.Message = fmt.Sprintf("unexpected Exception. Please report a bug and paste content of log %s", ec.LogPath)
	}
	return d, true
}

// Package stub is a minimal daemon that honours the launch arguments, the
// loopback endpoints and the exit code contract. It backs cmd/daemonstub and
// the end-to-end tests.
package stub

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Exit codes shared with the classifier.
const (
	ExitOK          = 0
	ExitOSError     = 100
	ExitBindFailed  = 111
	ExitAddrInUse   = 148
	ExitBadArgument = 2
)

// Environment knobs for tests.
const (
	EnvExitCode     = "ASSETLINK_STUB_EXIT"
	EnvOnlineStatus = "ASSETLINK_STUB_ONLINE"
)

// Args mirrors the daemon command line.
type Args struct {
	Script       string
	Port         int
	Server       string
	ProxyWhich   string
	ProxyAddress string
	ProxyCACerts string
	IPVersion    string
	SystemID     string
	Version      string
}

// ParseArgs parses the daemon command line.
func ParseArgs(argv []string) (Args, error) {
	var a Args
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&a.Script, "u", "", "daemon script")
	fs.IntVar(&a.Port, "port", 0, "listen port")
	fs.StringVar(&a.Server, "server", "", "remote server")
	fs.StringVar(&a.ProxyWhich, "proxy_which", "", "proxy mode")
	fs.StringVar(&a.ProxyAddress, "proxy_address", "", "proxy address")
	fs.StringVar(&a.ProxyCACerts, "proxy_ca_certs", "", "proxy CA bundle")
	fs.StringVar(&a.IPVersion, "ip_version", "", "ip version preference")
	fs.StringVar(&a.SystemID, "system_id", "", "installation identity")
	fs.StringVar(&a.Version, "version", "", "client version")
	if err := fs.Parse(argv); err != nil {
		return a, err
	}
	if a.Port <= 0 || a.Port > 65535 {
		return a, fmt.Errorf("invalid --port %d", a.Port)
	}
	return a, nil
}

// Run executes the daemon and returns its exit code.
func Run(argv []string) int {
	if len(argv) == 1 && argv[0] == "--version" {
		fmt.Println("assetlink daemon stub")
		return ExitOK
	}
	if v := os.Getenv(EnvExitCode); v != "" {
		code, err := strconv.Atoi(v)
		if err == nil {
			return code
		}
	}
	a, err := ParseArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitBadArgument
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(a.Port)))
	if err != nil {
		log.Error().Str("component", "stub").Int("port", a.Port).Err(err).Msg("listen failed")
		if errors.Is(err, syscall.EADDRINUSE) {
			return ExitAddrInUse
		}
		return ExitBindFailed
	}

	d := newDaemon(a)
	srv := &http.Server{Handler: d.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-d.quit
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	log.Info().Str("component", "stub").Int("port", a.Port).Str("server", a.Server).Str("version", a.Version).Msg("daemon listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Str("component", "stub").Err(err).Msg("serve failed")
		return ExitOSError
	}
	return ExitOK
}

type task struct {
	TaskID   string         `json:"task_id"`
	AppID    int            `json:"app_id"`
	TaskType string         `json:"task_type"`
	Message  string         `json:"message"`
	Progress int            `json:"progress"`
	Status   string         `json:"status"`
	Data     map[string]any `json:"data,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
}

type daemon struct {
	args   Args
	online int
	quit   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	tasks []task
}

func newDaemon(a Args) *daemon {
	online := http.StatusOK
	if v, err := strconv.Atoi(os.Getenv(EnvOnlineStatus)); err == nil {
		online = v
	}
	return &daemon{args: a, online: online, quit: make(chan struct{})}
}

func (d *daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			d.submit(w, r)
			return
		}
		fmt.Fprint(w, os.Getpid())
	})
	mux.HandleFunc("/report", d.report)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		d.once.Do(func() { close(d.quit) })
	})
	for _, p := range []string{"/kill_download", "/report_blender_quit", "/code_verifier"} {
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	}
	return mux
}

func decodeBody(r *http.Request) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body)
	return body
}

func appID(body map[string]any) int {
	if f, ok := body["app_id"].(float64); ok {
		return int(f)
	}
	return 0
}

// submit records a task for any feature endpoint and returns its id.
func (d *daemon) submit(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	t := task{
		TaskID:   uuid.NewString(),
		AppID:    appID(body),
		TaskType: r.URL.Path[1:],
		Status:   "created",
		Data:     body,
	}
	d.mu.Lock()
	d.tasks = append(d.tasks, t)
	d.mu.Unlock()
	writeJSON(w, map[string]any{"task_id": t.TaskID})
}

func (d *daemon) report(w http.ResponseWriter, r *http.Request) {
	id := appID(decodeBody(r))
	out := []task{{
		TaskID:   "daemon_status-" + strconv.Itoa(id),
		AppID:    id,
		TaskType: "daemon_status",
		Status:   "finished",
		Result:   map[string]any{"online_status": d.online},
	}}
	d.mu.Lock()
	for _, t := range d.tasks {
		if t.AppID == id {
			out = append(out, t)
		}
	}
	d.mu.Unlock()
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

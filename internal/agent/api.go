package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// DaemonStatus is the body of GET /v1/daemon.
type DaemonStatus struct {
	State         string `json:"state"`
	Port          int    `json:"port"`
	Ports         []int  `json:"ports"`
	PID           int    `json:"pid,omitempty"`
	LogPath       string `json:"log_path,omitempty"`
	Adopted       bool   `json:"adopted,omitempty"`
	Online        bool   `json:"online"`
	Probe         string `json:"probe,omitempty"`
	ProbedAt      string `json:"probed_at,omitempty"`
	FailedReports int    `json:"failed_reports"`
	Version       string `json:"version"`
}

// Status snapshots the supervisor for the API.
func (a *Agent) Status() DaemonStatus {
	st := DaemonStatus{
		State:         string(a.sup.State()),
		Port:          a.sup.Registry().Current(),
		Ports:         a.sup.Registry().Ports(),
		Online:        a.sup.Notifier().Online(),
		FailedReports: a.sup.Gateway().FailedReports(),
		Version:       a.sup.Version(),
	}
	if h := a.sup.Handle(); h != nil {
		st.PID = h.PID
		st.LogPath = h.LogPath
		st.Adopted = h.Adopted()
	}
	if res, at := a.LastProbe(); !at.IsZero() {
		st.Probe = res.Message
		st.ProbedAt = at.UTC().Format(time.RFC3339)
	}
	return st
}

// Router returns the HTTP handler for the local API.
func (a *Agent) Router() http.Handler {
	mux := http.NewServeMux()

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"uptime":   time.Since(a.start).String(),
			"ticks":    a.ticks.Load(),
			"closed":   a.closed.Load(),
			"time_utc": time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("GET /v1/daemon", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Status())
	})

	mux.HandleFunc("GET /v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.sup.Tasks().List())
	})

	// Explicit daemon control:
	// - POST /v1/daemon/start
	// - POST /v1/daemon/stop
	// - POST /v1/daemon/restart
	// - POST /v1/daemon/next-port
	mux.HandleFunc("POST /v1/daemon/{action}", func(w http.ResponseWriter, r *http.Request) {
		action := r.PathValue("action")
		ctx := r.Context()
		var err error
		switch action {
		case "start":
			_, err = a.sup.EnsureRunning(ctx)
		case "stop":
			err = a.sup.Shutdown(ctx)
		case "restart":
			if err = a.sup.Shutdown(ctx); err == nil {
				_, err = a.sup.Start(ctx)
			}
		case "next-port":
			_, err = a.sup.StartOnNextPort(ctx)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error().Str("component", "agent").Str("action", action).Err(err).Msg("daemon action failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if action != "stop" {
			// Give the caller a meaningful status instead of "starting".
			wctx, cancel := context.WithTimeout(ctx, waitTimeout(r))
			defer cancel()
			if res, werr := a.sup.WaitAlive(wctx, waitTimeout(r)); werr != nil {
				writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": res.Message, "status": a.Status()})
				return
			}
		}
		writeJSON(w, http.StatusOK, a.Status())
	})

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func waitTimeout(r *http.Request) time.Duration {
	return parseDurationDefault(r.URL.Query().Get("timeout"), 15*time.Second)
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

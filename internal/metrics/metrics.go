package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once        sync.Once
	probeResult = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetlink",
			Subsystem: "daemon",
			Name:      "probes_total",
			Help:      "Health probes by outcome (alive, unreachable, unexpected).",
		},
		[]string{"result"},
	)
	daemonStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetlink",
			Subsystem: "daemon",
			Name:      "starts_total",
			Help:      "Daemon launches by port and outcome.",
		},
		[]string{"port", "outcome"},
	)
	daemonExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetlink",
			Subsystem: "daemon",
			Name:      "exits_total",
			Help:      "Observed daemon exits by exit code.",
		},
		[]string{"code"},
	)
	reportFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "assetlink",
			Subsystem: "gateway",
			Name:      "report_failures_total",
			Help:      "Failed report fetches against the default port.",
		},
	)
	portPromotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "assetlink",
			Subsystem: "gateway",
			Name:      "port_promotions_total",
			Help:      "Times the report fallback promoted another port to default.",
		},
	)
	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "assetlink",
			Subsystem: "remote",
			Name:      "online",
			Help:      "Remote service reachability as seen through the daemon (1 online, 0 offline).",
		},
	)
	currentPort = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "assetlink",
			Subsystem: "daemon",
			Name:      "port",
			Help:      "Port currently used as the daemon default.",
		},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(probeResult, daemonStarts, daemonExits, reportFailures, portPromotions, online, currentPort)
	})
}

func ObserveProbe(result string) { probeResult.WithLabelValues(result).Inc() }

// ObserveStart records a launch attempt; outcome is "ok" or a launch error kind.
func ObserveStart(port int, outcome string) {
	daemonStarts.WithLabelValues(strconv.Itoa(port), outcome).Inc()
}

func ObserveExit(code int) { daemonExits.WithLabelValues(strconv.Itoa(code)).Inc() }

func IncReportFailures() { reportFailures.Inc() }
func IncPortPromotions() { portPromotions.Inc() }

func SetOnline(ok bool) {
	if ok {
		online.Set(1)
	} else {
		online.Set(0)
	}
}

func SetPort(port int) { currentPort.Set(float64(port)) }

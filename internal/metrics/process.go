package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	procCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "assetlink", Subsystem: "daemon", Name: "cpu_percent", Help: "Daemon CPU percent"},
	)
	procRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "assetlink", Subsystem: "daemon", Name: "memory_rss_bytes", Help: "Daemon RSS bytes"},
	)
)

func init() {
	prometheus.MustRegister(procCPU, procRSS)
}

// SampleProcessMetrics samples daemon CPU and RSS every interval until ctx is
// done or the process goes away.
func SampleProcessMetrics(ctx context.Context, pid int, interval time.Duration) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return
	}
	// Warm-up for CPU percent baseline
	_, _ = p.CPUPercentWithContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if running, err := p.IsRunningWithContext(ctx); err != nil || !running {
				procCPU.Set(0)
				procRSS.Set(0)
				return
			}
			if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
				procCPU.Set(cpu)
			}
			if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				procRSS.Set(float64(mi.RSS))
			}
		}
	}
}

package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datafeed_memory_bytes",
		Help: "Current heap allocation in bytes",
	})

	GoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datafeed_goroutines",
		Help: "Current number of goroutines",
	})

	ComponentUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datafeed_component_up",
		Help: "1 when the named component's health check passes",
	}, []string{"component"})
)

// StartMetricsCollection samples runtime and component health every interval until ctx
// is done.
func StartMetricsCollection(ctx context.Context, interval time.Duration, h *Health) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		collectSystemMetrics(h)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collectSystemMetrics(h)
			}
		}
	}()
}

func collectSystemMetrics(h *Health) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))

	if h == nil {
		return
	}
	for name, state := range h.Status().ComponentStatus {
		up := 0.0
		if state == "healthy" {
			up = 1
		}
		ComponentUp.WithLabelValues(name).Set(up)
	}
}

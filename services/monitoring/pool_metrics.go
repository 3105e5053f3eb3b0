package monitoring

import (
	"context"
	"time"

	"agent/services/browser_pool"
)

// CollectPoolMetrics periodically publishes per-state slot counts
// into the global registry as gauges, so PrometheusHandler exposes
// pool occupancy alongside the generic application metrics.
func CollectPoolMetrics(ctx context.Context, pool *browser_pool.Pool, interval time.Duration) {
	registry := GetRegistry()
	gaugeByState := map[string]*Metric{
		"empty":    registry.Gauge("browser_pool_slots", "slots in state empty", map[string]string{"state": "empty"}),
		"creating": registry.Gauge("browser_pool_slots", "slots in state creating", map[string]string{"state": "creating"}),
		"ready":    registry.Gauge("browser_pool_slots", "slots in state ready", map[string]string{"state": "ready"}),
		"leased":   registry.Gauge("browser_pool_slots", "slots in state leased", map[string]string{"state": "leased"}),
		"expiring": registry.Gauge("browser_pool_slots", "slots in state expiring", map[string]string{"state": "expiring"}),
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts := map[string]float64{}
				for _, s := range pool.Browsers() {
					counts[string(s.State)]++
				}
				for state, gauge := range gaugeByState {
					gauge.Set(counts[state])
				}
			}
		}
	}()
}

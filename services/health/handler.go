package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"agent/logger"
	"agent/services/browser_pool"
	"agent/services/browser_pool/driver"
)

type ServiceHealth struct {
	Name      string                 `json:"name"`
	Status    string                 `json:"status"` // healthy, degraded, unhealthy
	Latency   time.Duration          `json:"latency_ms"`
	Details   map[string]interface{} `json:"details,omitempty"`
	LastCheck time.Time              `json:"last_check"`
}

type HealthHandler struct {
	pool   *browser_pool.Pool
	driver *driver.Driver

	mu              sync.RWMutex
	serviceStatuses map[string]*ServiceHealth
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(pool *browser_pool.Pool, d *driver.Driver) *HealthHandler {
	return &HealthHandler{
		pool:            pool,
		driver:          d,
		serviceStatuses: make(map[string]*ServiceHealth),
	}
}

// ServeHTTP handles health check requests.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	detailed := r.URL.Query().Get("detailed") == "true"
	if detailed {
		h.handleDetailedHealth(w, r)
	} else {
		h.handleSimpleHealth(w, r)
	}
}

func (h *HealthHandler) handleSimpleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.checkAllServices(ctx) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNHEALTHY"))
	}
}

func (h *HealthHandler) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statuses := h.checkAllServicesDetailed(ctx)
	overall := h.getOverallStatus(statuses)

	response := map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now().Unix(),
		"services":  statuses,
	}

	switch overall {
	case "unhealthy":
		w.WriteHeader(http.StatusServiceUnavailable)
	case "degraded":
		w.WriteHeader(http.StatusPartialContent)
	default:
		w.WriteHeader(http.StatusOK)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) checkAllServices(ctx context.Context) bool {
	checks := []func(context.Context) bool{h.checkPool, h.checkDriver}

	var wg sync.WaitGroup
	results := make(chan bool, len(checks))
	for _, check := range checks {
		wg.Add(1)
		go func(fn func(context.Context) bool) {
			defer wg.Done()
			results <- fn(ctx)
		}(check)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		if !result {
			return false
		}
	}
	return true
}

func (h *HealthHandler) checkAllServicesDetailed(ctx context.Context) []ServiceHealth {
	var wg sync.WaitGroup
	statuses := make([]ServiceHealth, 0, 2)
	statusChan := make(chan ServiceHealth, 2)

	services := []struct {
		name  string
		check func(context.Context) ServiceHealth
	}{
		{"browser_pool", h.checkPoolDetailed},
		{"container_driver", h.checkDriverDetailed},
	}

	for _, svc := range services {
		wg.Add(1)
		go func(name string, checkFn func(context.Context) ServiceHealth) {
			defer wg.Done()
			start := time.Now()
			status := checkFn(ctx)
			status.Name = name
			status.Latency = time.Since(start)
			status.LastCheck = time.Now()
			statusChan <- status
		}(svc.name, svc.check)
	}

	go func() {
		wg.Wait()
		close(statusChan)
	}()

	for status := range statusChan {
		statuses = append(statuses, status)
		h.mu.Lock()
		h.serviceStatuses[status.Name] = &status
		h.mu.Unlock()
	}
	return statuses
}

func (h *HealthHandler) checkPool(ctx context.Context) bool {
	return h.pool != nil
}

func (h *HealthHandler) checkPoolDetailed(ctx context.Context) ServiceHealth {
	status := ServiceHealth{Status: "unhealthy"}
	if h.pool == nil {
		return status
	}

	browsers := h.pool.Browsers()
	ready, leased := 0, 0
	for _, b := range browsers {
		switch b.State {
		case "ready":
			ready++
		case "leased":
			leased++
		}
	}

	status.Details = map[string]interface{}{
		"total":  len(browsers),
		"ready":  ready,
		"leased": leased,
	}
	switch {
	case ready > 0:
		status.Status = "healthy"
	case leased > 0:
		status.Status = "degraded"
	}
	return status
}

func (h *HealthHandler) checkDriver(ctx context.Context) bool {
	if h.driver == nil {
		return false
	}
	return h.driver.EnsureAvailable(ctx) == nil
}

func (h *HealthHandler) checkDriverDetailed(ctx context.Context) ServiceHealth {
	status := ServiceHealth{Status: "unhealthy"}
	if h.driver == nil {
		return status
	}
	if err := h.driver.EnsureAvailable(ctx); err != nil {
		status.Details = map[string]interface{}{"error": err.Error()}
		return status
	}
	status.Status = "healthy"
	return status
}

func (h *HealthHandler) getOverallStatus(statuses []ServiceHealth) string {
	unhealthy, degraded := 0, 0
	for _, status := range statuses {
		switch status.Status {
		case "unhealthy":
			unhealthy++
		case "degraded":
			degraded++
		}
	}
	if unhealthy > 0 {
		return "unhealthy"
	}
	if degraded > 0 {
		return "degraded"
	}
	return "healthy"
}

// StartBackgroundChecks runs periodic detailed checks, logging any
// service that falls out of the healthy state.
func (h *HealthHandler) StartBackgroundChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				h.checkAllServicesDetailed(checkCtx)
				cancel()

				h.mu.RLock()
				for name, status := range h.serviceStatuses {
					if status.Status != "healthy" {
						logger.Warn("service unhealthy", zap.String("service", name), zap.String("status", status.Status))
					}
				}
				h.mu.RUnlock()
			}
		}
	}()
}

// GetMetrics returns Prometheus-format text for the last detailed
// check's results.
func (h *HealthHandler) GetMetrics() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	metrics := "# HELP service_health Service health status (1=healthy, 0.5=degraded, 0=unhealthy)\n"
	metrics += "# TYPE service_health gauge\n"
	for name, status := range h.serviceStatuses {
		value := 0.0
		switch status.Status {
		case "healthy":
			value = 1.0
		case "degraded":
			value = 0.5
		}
		metrics += fmt.Sprintf("service_health{service=\"%s\"} %f\n", name, value)
		metrics += fmt.Sprintf("service_health_latency_ms{service=\"%s\"} %d\n", name, status.Latency.Milliseconds())
	}
	return []byte(metrics)
}

package config

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agent/logger"
)

// DynamicConfig holds runtime-configurable values for the pool and
// its supporting subsystems. Unlike ApxConfig, it is reloadable at
// runtime through Update/Watch.
type DynamicConfig struct {
	BrowserPool struct {
		MaxSize            int           `json:"max_size" default:"2"`
		AcquisitionTimeout time.Duration `json:"acquisition_timeout" default:"30s"`
		DefaultLeaseTTL    time.Duration `json:"default_lease_ttl" default:"10m"`
	} `json:"browser_pool"`

	HTTP struct {
		RequestTimeout  time.Duration `json:"request_timeout" default:"30s"`
		IdleConnTimeout time.Duration `json:"idle_conn_timeout" default:"90s"`
	} `json:"http"`

	AgentLink struct {
		MaxReconnectAttempts int           `json:"max_reconnect_attempts" default:"15"`
		InitialBackoff       time.Duration `json:"initial_backoff" default:"1s"`
		ConnectTimeout       time.Duration `json:"connect_timeout" default:"5s"`
	} `json:"agent_link"`

	CircuitBreaker struct {
		ConsecutiveFailures uint32        `json:"consecutive_failures" default:"5"`
		OpenTimeout         time.Duration `json:"open_timeout" default:"30s"`
	} `json:"circuit_breaker"`

	Monitoring struct {
		MetricsPort     int           `json:"metrics_port" default:"9090"`
		MetricsInterval time.Duration `json:"metrics_interval" default:"15s"`
	} `json:"monitoring"`

	RateLimit struct {
		ReservationsPerSecond float64 `json:"reservations_per_second" default:"2"`
		BurstSize             int     `json:"burst_size" default:"4"`
	} `json:"rate_limit"`
}

// ConfigManager guards DynamicConfig with an RWMutex and fans out
// updates to watchers.
type ConfigManager struct {
	config   *DynamicConfig
	mutex    sync.RWMutex
	watchers []chan *DynamicConfig
}

// NewConfigManager builds a manager seeded with defaults.
func NewConfigManager() *ConfigManager {
	cm := &ConfigManager{watchers: make([]chan *DynamicConfig, 0)}
	cm.setDefaults()
	return cm
}

func (cm *ConfigManager) setDefaults() {
	cfg := &DynamicConfig{}

	cfg.BrowserPool.MaxSize = 2
	cfg.BrowserPool.AcquisitionTimeout = 30 * time.Second
	cfg.BrowserPool.DefaultLeaseTTL = 10 * time.Minute

	cfg.HTTP.RequestTimeout = 30 * time.Second
	cfg.HTTP.IdleConnTimeout = 90 * time.Second

	cfg.AgentLink.MaxReconnectAttempts = 15
	cfg.AgentLink.InitialBackoff = time.Second
	cfg.AgentLink.ConnectTimeout = 5 * time.Second

	cfg.CircuitBreaker.ConsecutiveFailures = 5
	cfg.CircuitBreaker.OpenTimeout = 30 * time.Second

	cfg.Monitoring.MetricsPort = 9090
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.RateLimit.ReservationsPerSecond = 2
	cfg.RateLimit.BurstSize = 4

	cm.mutex.Lock()
	cm.config = cfg
	cm.mutex.Unlock()

	logger.Info("dynamic configuration initialized with defaults")
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() *DynamicConfig {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	cp := *cm.config
	return &cp
}

// Update validates and installs a new configuration, notifying
// watchers on a best-effort (non-blocking) basis.
func (cm *ConfigManager) Update(newConfig *DynamicConfig) error {
	if err := cm.validate(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.mutex.Lock()
	old := cm.config
	cm.config = newConfig
	watchers := cm.watchers
	cm.mutex.Unlock()

	cp := *newConfig
	for _, w := range watchers {
		select {
		case w <- &cp:
		default:
		}
	}

	logger.Info("dynamic configuration updated", zap.Any("old", old), zap.Any("new", newConfig))
	return nil
}

func (cm *ConfigManager) validate(cfg *DynamicConfig) error {
	if cfg.BrowserPool.MaxSize <= 0 {
		return fmt.Errorf("browser_pool.max_size must be positive")
	}
	if cfg.AgentLink.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("agent_link.max_reconnect_attempts must be positive")
	}
	if cfg.CircuitBreaker.ConsecutiveFailures == 0 {
		return fmt.Errorf("circuit_breaker.consecutive_failures must be positive")
	}
	if cfg.Monitoring.MetricsPort <= 0 || cfg.Monitoring.MetricsPort > 65535 {
		return fmt.Errorf("monitoring.metrics_port must be a valid port number")
	}
	if cfg.RateLimit.ReservationsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.reservations_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}
	return nil
}

// Watch returns a channel that receives every subsequent Update, plus
// the current configuration immediately.
func (cm *ConfigManager) Watch() <-chan *DynamicConfig {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	watcher := make(chan *DynamicConfig, 1)
	cm.watchers = append(cm.watchers, watcher)
	watcher <- cm.config
	return watcher
}

var (
	globalConfigManager *ConfigManager
	configManagerOnce   sync.Once
)

// GetConfigManager returns the process-wide dynamic configuration
// manager, constructing it on first use.
func GetConfigManager() *ConfigManager {
	configManagerOnce.Do(func() {
		globalConfigManager = NewConfigManager()
	})
	return globalConfigManager
}

// GetDynamicConfig returns the current global dynamic configuration.
func GetDynamicConfig() *DynamicConfig {
	return GetConfigManager().Get()
}

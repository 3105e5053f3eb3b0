// Command agent runs the browser-container pool manager: an HTTP
// front door over a fixed-size pool of browser containers, backed by
// a CLI-shelling container driver.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/browser"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"agent/config"
	apxhttp "agent/http"
	"agent/http/handlers"
	"agent/logger"
	"agent/services/browser_pool"
	"agent/services/browser_pool/driver"
	"agent/services/health"
	"agent/services/monitoring"
	"agent/services/shutdown"
)

var cli struct {
	Listen        string        `help:"Address to listen on, overrides config." default:""`
	MongoURI      string        `help:"MongoDB URI for the lease audit log. Empty disables it." env:"MONGO_URI"`
	KafkaBrokers  string        `help:"Comma-separated Kafka brokers for the lifecycle event bus. Empty disables it." env:"KAFKA_BROKERS"`
	KafkaTopic    string        `help:"Kafka topic for lifecycle events." default:"browser-pool.lifecycle"`
	DiagBucket    string        `help:"S3 bucket for shutdown diagnostics export. Empty disables it." env:"DIAG_BUCKET"`
	DiagPrefix    string        `help:"S3 key prefix for diagnostics export." default:"browser-pool"`
	OpenMonitor   bool          `help:"Open the pool's monitor endpoint in a local browser once ready."`
	MetricsPeriod time.Duration `help:"Interval at which pool occupancy gauges are recomputed." default:"10s"`
}

func main() {
	kong.Parse(&cli)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}
	if cli.Listen != "" {
		cfg.Listen = cli.Listen
	}

	logger.InitLogger(cfg.Logger.Level)
	zlog := logger.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drv := driver.New(cfg.DockerPath)
	if err := drv.EnsureAvailable(ctx); err != nil {
		zlog.Fatal("container runtime unavailable", zap.Error(err))
	}

	dynCfg := config.GetDynamicConfig()

	poolCfg := browser_pool.Config{
		Size:                  cfg.PoolSize,
		NamePrefix:            cfg.NamePrefix,
		Image:                 cfg.Image,
		ManageOnly:            cfg.IsManageOnly(),
		DockerPath:            cfg.DockerPath,
		ReservationsPerSecond: dynCfg.RateLimit.ReservationsPerSecond,
		ReservationBurst:      dynCfg.RateLimit.BurstSize,
	}

	var mongoClient *mongo.Client
	if cli.MongoURI != "" {
		mongoClient, err = mongo.Connect(ctx, options.Client().ApplyURI(cli.MongoURI))
		if err != nil {
			zlog.Warn("mongo connect failed, lease audit log disabled", zap.Error(err))
		} else {
			poolCfg.AuditLog = mongoClient.Database("browserpool").Collection("lease_audit")
		}
	}

	var kafkaBus *browser_pool.KafkaLifecycleBus
	if cli.KafkaBrokers != "" {
		kafkaBus = browser_pool.NewKafkaLifecycleBus(strings.Split(cli.KafkaBrokers, ","), cli.KafkaTopic)
		poolCfg.LifecycleBus = kafkaBus
	}

	pool := browser_pool.New(poolCfg, drv)

	if cli.DiagBucket != "" {
		exporter, err := browser_pool.NewDiagnosticsExporter(cli.DiagBucket, cli.DiagPrefix)
		if err != nil {
			zlog.Warn("diagnostics exporter disabled", zap.Error(err))
		} else {
			pool.SetDiagnosticsExporter(exporter)
		}
	}

	if err := pool.Init(ctx); err != nil {
		zlog.Fatal("pool init failed", zap.Error(err))
	}

	metricsPeriod := cli.MetricsPeriod
	if metricsPeriod <= 0 {
		metricsPeriod = dynCfg.Monitoring.MetricsInterval
	}
	monitoring.CollectPoolMetrics(ctx, pool, metricsPeriod)

	healthHandler := health.NewHealthHandler(pool, drv)
	healthHandler.StartBackgroundChecks(ctx, 30*time.Second)

	poolHandler := handlers.NewPoolHandler(pool)

	server := apxhttp.NewServer(cfg, poolHandler, healthHandler)
	server.Logger = zlog

	coordinator := shutdown.NewCoordinator(30 * time.Second)
	if kafkaBus != nil {
		coordinator.RegisterHandler("kafka_bus", func(context.Context) error { return kafkaBus.Close() })
	}
	if mongoClient != nil {
		coordinator.RegisterHandler("mongo", func(ctx context.Context) error { return mongoClient.Disconnect(ctx) })
	}
	coordinator.RegisterHandler("browser_pool", shutdown.CreateBrowserPoolShutdown(pool))
	coordinator.RegisterHandler("http_server", func(context.Context) error { cancel(); return nil })
	coordinator.Start()

	if cli.OpenMonitor {
		go func() {
			time.Sleep(time.Second)
			_ = browser.OpenURL(fmt.Sprintf("http://localhost%s%s/v1/pool", cfg.Listen, cfg.Prefix))
		}()
	}

	zlog.Info("starting agent", zap.String("listen", cfg.Listen), zap.String("mode", cfg.Mode))
	if err := server.Listen(ctx, cfg.Listen); err != nil {
		zlog.Error("server stopped", zap.Error(err))
	}

	// Blocks until the signal-triggered shutdown (if any) has run every
	// handler to completion; if no signal started it, this call runs the
	// handlers itself.
	coordinator.Shutdown()
}

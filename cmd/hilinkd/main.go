package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opnmodem/hilinkd/pkg/alerts"
	"github.com/opnmodem/hilinkd/pkg/api"
	"github.com/opnmodem/hilinkd/pkg/config"
	"github.com/opnmodem/hilinkd/pkg/logx"
	"github.com/opnmodem/hilinkd/pkg/metrics"
	"github.com/opnmodem/hilinkd/pkg/mqtt"
	"github.com/opnmodem/hilinkd/pkg/notifications"
	"github.com/opnmodem/hilinkd/pkg/pidfile"
	"github.com/opnmodem/hilinkd/pkg/supervisor"
	"github.com/opnmodem/hilinkd/pkg/tstore"
)

var (
	configPath = flag.String("config", "/etc/hilinkd/config.yaml", "Path to configuration file")
	pidPath    = flag.String("pid-file", "/var/run/hilinkd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	jsonLogs   = flag.Bool("json-logs", false, "Emit logs as JSON")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "hilinkd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.NewLogger(cfg.LogLevel, AppName)
	if *jsonLogs {
		logger.SetJSONFormat()
	}

	pidFile := pidfile.New(*pidPath)
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting hilink daemon",
		"version", AppVersion, "pid", os.Getpid(), "modems", len(cfg.Modems))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("Failed to create data directory", "error", err, "path", cfg.DataDir)
		os.Exit(1)
	}

	store, err := tstore.Open(filepath.Join(cfg.DataDir, "timeseries.db"), tstore.Options{
		FineWindow:       cfg.Retention.FineWindow(),
		BucketResolution: cfg.Retention.BucketResolution(),
		TotalRetention:   cfg.Retention.TotalRetention(),
	}, logger)
	if err != nil {
		logger.Error("Failed to open time-series store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	alertStore, err := alerts.OpenStore(filepath.Join(cfg.DataDir, "alerts.db"))
	if err != nil {
		logger.Error("Failed to open alert store", "error", err)
		os.Exit(1)
	}
	defer alertStore.Close()

	engine, err := alerts.NewEngine(cfg.Alerts, alertStore, logger)
	if err != nil {
		logger.Error("Failed to initialize alert engine", "error", err)
		os.Exit(1)
	}

	publisher := mqtt.NewPublisher(cfg.MQTT, logger)
	if err := publisher.Connect(); err != nil {
		// MQTT is optional, keep running without it
		logger.Warn("MQTT broker unreachable", "error", err)
	}
	defer publisher.Disconnect()

	exporter := metrics.NewExporter(cfg.Metrics, logger)
	exporter.Start()

	notifier := notifications.NewNotifier(cfg.Notifications, logger)

	sup := supervisor.New(cfg, store, engine, exporter, publisher, notifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	apiServer := api.NewServer(cfg.API, sup, store, engine, func() (*config.Config, error) {
		return config.Load(*configPath)
	}, logger)
	apiServer.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, reloading configuration")
			next, err := config.Load(*configPath)
			if err != nil {
				logger.Error("Reload aborted, configuration invalid", "error", err)
				continue
			}
			if *logLevel == "" {
				logger.SetLevel(next.LogLevel)
			}
			if err := sup.Reload(next); err != nil {
				logger.Error("Reload failed", "error", err)
			}
			continue
		}

		logger.Info("Received shutdown signal", "signal", sig)
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	apiServer.Stop(shutdownCtx)
	exporter.Stop(shutdownCtx)
	cancel()
	sup.Stop(8 * time.Second)
	logger.Info("Graceful shutdown completed")
}

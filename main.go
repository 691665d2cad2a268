package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"predflow/config"
	"predflow/internal/bus"
	"predflow/internal/health"
	"predflow/internal/state"
	"predflow/logger"
	"predflow/processor"
	"predflow/reader/kalshi"
	"predflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Predflow.Name,
		"version":     cfg.Predflow.Version,
		"venue":       cfg.Venue.ID,
		"environment": cfg.Venue.Environment,
	}).Info("starting predflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, "")
	}

	eventBus := bus.New()
	latency := health.NewLatencyTracker(cfg.Health.LatencyWindow)
	synchronizer := processor.NewBookSynchronizer(cfg, nil)

	latest := state.NewLatestStore()
	eventBus.Subscribe(latest.Apply)

	var recorder *writer.Recorder
	if cfg.Recorder.Enabled {
		recorder = writer.NewRecorder(cfg)
		eventBus.Subscribe(recorder.Record)
		if err := recorder.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start recorder")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("recorder disabled; events will not be persisted")
	}

	var mirror *state.RedisMirror
	if cfg.Redis.Enabled {
		mirror, err = state.NewRedisMirror(cfg.Redis)
		if err != nil {
			log.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
		eventBus.Subscribe(mirror.Apply)
	}

	adapter, err := kalshi.NewAdapter(cfg, synchronizer, latency, eventBus)
	if err != nil {
		log.WithError(err).Error("failed to create venue adapter")
		os.Exit(1)
	}
	if err := adapter.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start venue adapter")
		os.Exit(1)
	}

	monitor := health.NewMonitor(cfg.Venue.ID, cfg.Health.Interval, adapter.Connection(), synchronizer, latency, eventBus)
	if err := monitor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start health monitor")
		os.Exit(1)
	}

	var archiver *writer.Archiver
	if cfg.Storage.S3.Enabled {
		archiver, err = writer.NewArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create s3 archiver")
			os.Exit(1)
		}
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start s3 archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 archival disabled")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping venue adapter")
	adapter.Stop()

	log.Info("stopping health monitor")
	monitor.Stop()

	if archiver != nil {
		log.Info("stopping s3 archiver")
		archiver.Stop()
	}

	if recorder != nil {
		log.Info("stopping recorder")
		recorder.Stop()
	}

	if mirror != nil {
		if err := mirror.Close(); err != nil {
			log.WithError(err).Warn("redis close failed")
		}
	}

	log.Info("graceful shutdown complete")
}

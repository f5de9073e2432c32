package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mattjoyce/severance/internal/api"
	"github.com/mattjoyce/severance/internal/config"
	"github.com/mattjoyce/severance/internal/events"
	"github.com/mattjoyce/severance/internal/journal"
	"github.com/mattjoyce/severance/internal/lock"
	"github.com/mattjoyce/severance/internal/log"
	"github.com/mattjoyce/severance/internal/metrics"
	"github.com/mattjoyce/severance/internal/mirror"
	"github.com/mattjoyce/severance/internal/probe"
	"github.com/mattjoyce/severance/internal/supervise"
)

// pruneEvery is how often serve trims the journal to its retention.
const pruneEvery = time.Hour

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		if discovered := config.Discover(); discovered != "" {
			*configPath = discovered
			fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
		}
	}
	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("severance starting", "version", version, "config", cfg.SourceFile)

	pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.New(reg)
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		return 1
	}

	hub := events.NewHub(256)
	observers := mirror.Observers{collector, hub}
	var calls api.CallLog
	if cfg.Journal.Enabled {
		j, err := journal.Open(ctx, cfg.Journal.Path, log.WithComponent("journal"))
		if err != nil {
			logger.Error("failed to open call journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer j.Close()
		logger.Info("call journal opened", "path", cfg.Journal.Path)
		observers = append(observers, j)
		calls = j
		if cfg.Journal.Retention > 0 {
			go pruneLoop(ctx, j, cfg.Journal.Retention, logger)
		}
	}

	opts := mirrorOptions(cfg)
	opts.Observer = observers
	policy := supervise.Policy{
		InitialInterval: cfg.Supervise.InitialBackoff,
		MaxInterval:     cfg.Supervise.MaxBackoff,
		MaxElapsed:      cfg.Supervise.MaxElapsed,
		ReadyTimeout:    cfg.Supervise.ReadyTimeout,
	}
	sup := supervise.New(probe.Kind, probeConfig(cfg), opts, policy, supervise.Lifecycles{collector, hub}, log.WithComponent("supervise"))
	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		return 1
	}
	defer sup.Close()

	errCh := make(chan error, 2)

	go func() {
		if err := sup.Run(ctx); err != nil {
			errCh <- fmt.Errorf("supervisor: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiConfig := api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.APIKey,
			MaxCallTimeout: cfg.Mirror.CallTimeout,
		}
		if apiConfig.APIKey == "" {
			logger.Warn("api.api_key is empty, POST /ops is disabled")
		}
		apiServer := api.New(apiConfig, sup, calls, reg, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("severance running (press Ctrl+C to stop)", "worker_pid", sup.Status().PID)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("severance stopped")
	return 0
}

// pruneLoop trims the journal now and then every pruneEvery until ctx ends.
func pruneLoop(ctx context.Context, j *journal.Journal, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		n, err := j.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("journal prune failed", "error", err)
		case n > 0:
			logger.Info("journal pruned", "deleted", n, "retention", retention.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/conductor/internal/agents"
	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/auth"
	"github.com/fentz26/conductor/internal/config"
	"github.com/fentz26/conductor/internal/controlplane"
	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/supervisor"
	"github.com/fentz26/conductor/internal/telemetry"
	"github.com/fentz26/conductor/internal/usage"
)

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Conductor daemon",
	Long:  `Starts the Conductor daemon which runs the scheduler and serves the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

// loadConfig reads .env and the config file, then applies command flags.
func loadConfig() (config.Config, config.LoadResult) {
	// .env is optional.
	_ = godotenv.Load()

	res := config.Load(configPath)
	cfg := res.Config
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	return cfg, res
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, res := loadConfig()
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	switch {
	case res.ParseError != nil:
		logger.Warnf("config error path=%s error=%v (using defaults)", res.Path, res.ParseError)
	case res.Found:
		logger.Infof("config loaded path=%s", res.Path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		Version:      controlplane.Version,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warnf("telemetry shutdown error=%v", err)
		}
	}()

	s, err := store.New(cfg.DB)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Errorf("database close error=%v", err)
		}
	}()

	bus := events.NewBus(256)
	defer bus.Close()

	sup := supervisor.New(supervisor.Config{
		Binary:          cfg.Agent.Binary,
		ExtraArgs:       cfg.Agent.ExtraArgs,
		ScratchDir:      cfg.Agent.ScratchDir,
		PollInterval:    cfg.Agent.PollInterval(),
		SilenceWatchdog: cfg.Agent.SilenceWatchdog(),
	}, logger)
	defer sup.Shutdown(10 * time.Second)

	creds := auth.NewReader(cfg.Usage.CredentialsPath, cfg.Usage.AccountPath)
	writer := audit.NewWriter(s)

	deps := scheduler.Deps{
		Publisher: bus,
		Audit:     writer,
		Tracer:    telemetry.Tracer(),
		Logger:    logger,
	}

	var reporter controlplane.UsageReporter
	if cfg.Usage.Enabled {
		stats := usage.NewStatsCache(cfg.Usage.StatsCachePath, time.Duration(cfg.Usage.StatsTTLSec)*time.Second, logger)
		if err := stats.Watch(); err != nil {
			logger.Warnf("stats cache watch disabled path=%s error=%v", cfg.Usage.StatsCachePath, err)
		}
		defer stats.Close()

		poller := usage.New(usage.Config{
			Interval:         time.Duration(cfg.Usage.IntervalSec) * time.Second,
			InitialDelay:     time.Duration(cfg.Usage.InitialDelaySec) * time.Second,
			BackoffThreshold: cfg.Usage.BackoffThreshold,
			BackoffInterval:  time.Duration(cfg.Usage.BackoffIntervalSec) * time.Second,
			ProbeURL:         cfg.Usage.ProbeURL,
			ProbeModel:       cfg.Usage.ProbeModel,
			ProbeTimeout:     time.Duration(cfg.Usage.ProbeTimeoutSec) * time.Second,
		}, creds, stats, logger)
		poller.OnSnapshot(func(snap usage.Snapshot) {
			bus.Publish(events.UsageSnapshot, snap)
		})
		poller.Start()
		defer poller.Stop()

		deps.Usage = poller
		reporter = poller
	}

	sched := scheduler.New(s, sup, &scheduler.Config{
		SweepInterval:   time.Duration(cfg.Scheduler.SweepIntervalSec) * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}, deps)
	sched.Start()
	defer sched.Stop()

	detector := agents.NewDetector(cfg.Agent.Binary, creds)
	service := controlplane.NewService(s, sched, reporter, detector, writer, bus)
	server := controlplane.NewServer(service, s, bus, cfg.Listen, logger)

	logger.Infof("daemon started version=%s db=%s agent=%s", controlplane.Version, cfg.DB, cfg.Agent.Binary)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server error: %v", err)
		return err
	}
	logger.Infof("http server stopped, releasing resources")
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benchd/benchd/pkg/api"
	"github.com/benchd/benchd/pkg/audit"
	"github.com/benchd/benchd/pkg/config"
	"github.com/benchd/benchd/pkg/container"
	"github.com/benchd/benchd/pkg/executor"
	"github.com/benchd/benchd/pkg/imagepolicy"
	"github.com/benchd/benchd/pkg/log"
	"github.com/benchd/benchd/pkg/maintenance"
	"github.com/benchd/benchd/pkg/metrics"
	"github.com/benchd/benchd/pkg/reconciler"
	"github.com/benchd/benchd/pkg/runtime"
	"github.com/benchd/benchd/pkg/security"
	"github.com/benchd/benchd/pkg/shutdown"
	"github.com/benchd/benchd/pkg/storage"
	"github.com/benchd/benchd/pkg/stream"
	"github.com/benchd/benchd/pkg/warmpool"
	"github.com/benchd/benchd/pkg/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the benchd service",
	Long: `Start the service: open the state database, connect to the Docker
engine, reconcile durable state against running containers, and serve
the HTTP tool catalog until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogFormat == "json",
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Msg("Starting benchd")

	ctx := context.Background()

	store, err := storage.NewSQLiteStore(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}

	rt, err := runtime.NewDockerRuntime(ctx)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to connect to Docker engine: %w", err)
	}
	defer rt.Close()

	broker := audit.NewBroker()
	broker.Start()
	defer broker.Stop()
	auditLog := audit.NewLogger(log.WithComponent("audit"), broker)
	auditLog.Event(audit.EventSystemStartup, audit.WithDetails(map[string]any{
		"version": Version,
	}))

	policy, err := imagepolicy.New(rt, cfg.AllowedRegistries, cfg.DockerConfigJSON)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to build image policy: %w", err)
	}
	profile := security.NewProfile(cfg.NetworkMode)

	containers := container.NewManager(store, rt, policy, profile, auditLog)
	streamer := stream.New()
	execs := executor.NewManager(store, rt, streamer, profile, auditLog)
	files := workspace.NewManager(store, rt, auditLog)

	engine := reconciler.New(store, rt, execs, auditLog, cfg.TransientGCDays)

	// Reconcile before serving so adopted containers are addressable from
	// the first request.
	if stats, err := engine.Reconcile(ctx); err != nil {
		logger.Error().Err(err).Msg("Boot reconciliation failed, continuing degraded")
	} else {
		logger.Info().
			Int("adopted", stats.Adopted).
			Int("cleaned_up", stats.CleanedUp).
			Msg("Boot reconciliation complete")
	}

	pool := warmpool.New(containers, store, rt, cfg.DefaultImageAlias,
		cfg.WarmPoolEnabled, time.Duration(cfg.WarmHealthCheckInterval)*time.Second)
	pool.Start(ctx)

	loop := maintenance.New(engine, time.Duration(cfg.MaintenanceIntervalSeconds)*time.Second)
	loop.Start()

	collector := metrics.NewCollector(store)
	collector.Start()

	coordinator := shutdown.New(store, containers, auditLog,
		time.Duration(cfg.DrainGraceSeconds)*time.Second)

	server := api.NewServer(api.Deps{
		Config:     cfg,
		Store:      store,
		Runtime:    rt,
		Containers: containers,
		Execs:      execs,
		Files:      files,
		Pool:       pool,
		Reconciler: engine,
		Drain:      coordinator,
		Audit:      auditLog,
		Version:    Version,
	})
	server.MarkReady()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddr())
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	// A second signal skips the graceful sequence.
	go func() {
		<-sigCh
		logger.Warn().Msg("Second signal received, exiting immediately")
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.DrainGraceSeconds)*time.Second+30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
	collector.Stop()
	loop.Stop()
	pool.Stop()
	execs.Wait()
	coordinator.Shutdown(shutdownCtx)

	logger.Info().Msg("Shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fentz26/flotilla/internal/config"
	"github.com/fentz26/flotilla/internal/configrepo"
	"github.com/fentz26/flotilla/internal/connectors/httpagent"
	"github.com/fentz26/flotilla/internal/controlplane"
	"github.com/fentz26/flotilla/internal/inventory"
	"github.com/fentz26/flotilla/internal/logging"
	"github.com/fentz26/flotilla/internal/provisioner"
	"github.com/fentz26/flotilla/internal/scheduler"
	"github.com/fentz26/flotilla/internal/store"
)

var (
	configPath string
	listenAddr string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the coordinator daemon",
	Long: `Starts the coordinator, which polls agents for status, records expected
slot state and serves the HTTP API.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file (FLOTILLA_* env vars override it)")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address, overrides coordinator.listen")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Coordinator.Listen = listenAddr
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting flotilla daemon",
		zap.String("environment", cfg.Coordinator.Environment),
		zap.String("store", cfg.Store.Path))

	// Initialize store
	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}

	// Initialize components
	repo := configrepo.New(cfg.ConfigRepo.Path, cfg.ConfigRepo.BlobURI, logger.Named("configrepo"))
	if cfg.ConfigRepo.Watch {
		if err := repo.Watch(); err != nil {
			logger.Warn("config repository not watched", zap.String("path", cfg.ConfigRepo.Path), zap.Error(err))
		}
	}
	defer repo.Close()

	prov := provisioner.NewLocal(cfg.Provisioner.BaseURI, cfg.Provisioner.InstanceType)
	for _, uri := range cfg.Provisioner.Agents {
		a := prov.Register(uri)
		logger.Info("agent configured", zap.String("agent_id", a.ID), zap.String("uri", uri))
	}

	var inv inventory.ServiceInventory
	if cfg.Inventory.Path != "" {
		static, err := inventory.LoadStatic(cfg.Inventory.Path)
		if err != nil {
			s.Close()
			return err
		}
		inv = static
	}

	coordinator := controlplane.NewCoordinator(controlplane.Config{
		Environment:      cfg.Coordinator.Environment,
		StatusExpiration: cfg.Coordinator.StatusExpiration,
		RemoteTimeout:    cfg.Coordinator.RemoteTimeout,
		Workers:          cfg.Scheduler.GetRefreshWorkers(),
		MinPrefixSize:    cfg.Coordinator.MinPrefixSize,
	}, httpagent.NewFactory(cfg.Coordinator.RemoteTimeout), s, repo, prov, inv, logger.Named("coordinator"))

	server := controlplane.NewServer(coordinator, s, cfg.Coordinator.Listen, logger.Named("http"))
	server.ServeConfig(repo)

	// Create and start scheduler
	sched := scheduler.New(&cfg.Scheduler, logger.Named("scheduler"))
	if err := sched.Every("refresh-agents", cfg.Coordinator.RefreshInterval, coordinator.RefreshAgents); err != nil {
		s.Close()
		return err
	}
	err = sched.Every("expire-agents", cfg.Coordinator.StatusExpiration/2, func(ctx context.Context) error {
		coordinator.ExpireAgents(time.Now())
		return nil
	})
	if err != nil {
		s.Close()
		return err
	}

	sched.Start()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			sched.Stop()
			s.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	sched.Stop()

	logger.Info("closing database connection")
	if err := s.Close(); err != nil {
		logger.Warn("database close error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

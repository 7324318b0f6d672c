// =============================================================================
// SEARCHCOORD NODE - MAIN ENTRY POINT
// =============================================================================
//
// Runs one search node's coordination layer:
//
//   config.yaml + SEARCHCOORD_* env
//        │
//        ▼
//   store session ──► controller.Start ──► RegisterCores ──► /readyz 200
//   (etcd | memory)     live node,           leader elections,
//                       overseer election    recovery, state publishes
//
// On SIGINT/SIGTERM the node publishes its cores as down (PreClose), then
// closes its session so its ephemeral election votes and live marker go
// away at once.
//
// USAGE:
//   searchcoord --config /etc/searchcoord/node.yaml
//   SEARCHCOORD_STORE_BACKEND=memory searchcoord       # single-node sandbox
//
// =============================================================================

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"searchcoord/internal/api"
	"searchcoord/internal/config"
	"searchcoord/internal/controller"
	"searchcoord/internal/cores"
	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "searchcoord",
	Short:         "Cluster coordination node for a sharded search service",
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "f", "", "Node configuration file (YAML)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "searchcoord: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// -------------------------------------------------------------------------
	// STEP 1: Configuration and logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting node", "node_name", cfg.NodeName(), "store", cfg.Store.Backend,
		"distributed", cfg.DistributedClusterStateUpdates, "version", api.Version)

	// -------------------------------------------------------------------------
	// STEP 2: Metrics
	// -------------------------------------------------------------------------
	reg := metrics.Init(cfg.Metrics)

	// -------------------------------------------------------------------------
	// STEP 3: Coordination store session
	// -------------------------------------------------------------------------
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	// -------------------------------------------------------------------------
	// STEP 4: Local cores
	// -------------------------------------------------------------------------
	container := cores.New(cores.Config{Logger: logger})
	if err := container.Load(cfg.Cores); err != nil {
		return fmt.Errorf("load cores: %w", err)
	}
	defer container.Close()

	// -------------------------------------------------------------------------
	// STEP 5: Controller
	// -------------------------------------------------------------------------
	ctrl, err := controller.New(s, container, controllerConfig(cfg, logger, reg))
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	defer ctrl.Close()

	// -------------------------------------------------------------------------
	// STEP 6: Admin API, ready once the cores registered
	// -------------------------------------------------------------------------
	srvCfg := api.DefaultServerConfig()
	srvCfg.Addr = cfg.Admin.Addr
	srvCfg.Logger = logger
	srvCfg.Metrics = reg.Handler()
	if srvCfg.TLS, err = cfg.Admin.TLS.ServerTLS(); err != nil {
		return fmt.Errorf("admin tls: %w", err)
	}
	server := api.NewServer(ctrl, srvCfg)
	if err := server.Start(); err != nil {
		return err
	}

	failed := ctrl.RegisterCores(ctx)
	for core, err := range failed {
		logger.Error("core failed to register", "core", core, "error", err)
	}
	server.Health().SetReady(true)
	logger.Info("node ready", "cores", len(cfg.Cores), "failed", len(failed), "admin", cfg.Admin.Addr)

	<-ctx.Done()

	// -------------------------------------------------------------------------
	// STEP 7: Graceful shutdown
	// -------------------------------------------------------------------------
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.Health().SetReady(false)
	if err := ctrl.PreClose(shutdownCtx); err != nil {
		logger.Warn("could not publish cores as down", "error", err)
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("admin API shutdown error", "error", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func openStore(ctx context.Context, cfg config.NodeConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("using the in-memory store; state is lost on exit and no other node can join")
		return store.NewMemoryServer().Connect(cfg.Store.SessionTimeout), nil
	default:
		tlsCfg, err := cfg.Store.TLS.ClientTLS()
		if err != nil {
			return nil, fmt.Errorf("store tls: %w", err)
		}
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Store.DialTimeout)
		defer cancel()
		s, err := store.NewEtcdStore(dialCtx, store.EtcdConfig{
			Endpoints:      cfg.Store.Endpoints,
			DialTimeout:    cfg.Store.DialTimeout,
			SessionTimeout: cfg.Store.SessionTimeout,
			Prefix:         cfg.Store.Prefix,
			TLS:            tlsCfg,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to etcd %v: %w", cfg.Store.Endpoints, err)
		}
		return s, nil
	}
}

func controllerConfig(cfg config.NodeConfig, logger *slog.Logger, reg *metrics.Registry) controller.Config {
	c := controller.DefaultConfig()
	c.Host = cfg.Host
	c.Port = cfg.Port
	c.Context = cfg.Context
	c.Scheme = cfg.Scheme
	c.Distributed = cfg.DistributedClusterStateUpdates
	c.OverseerRole = controller.OverseerRole(cfg.OverseerRole)
	c.GenericCoreNodeNames = cfg.GenericCoreNodeNames
	c.LeaderVoteWait = cfg.LeaderVoteWait
	c.LeaderConflictResolveWait = cfg.LeaderConflictResolveWait
	c.LeaderRetryPause = cfg.LeaderRetryPause
	c.WaitForReplicaTimeout = cfg.WaitForReplicaTimeout
	c.DownStatesTimeout = cfg.DownStatesTimeout
	c.RegisterWorkers = cfg.RegisterWorkers
	c.Overseer.BatchSize = cfg.Overseer.BatchSize
	c.Overseer.PollWait = cfg.Overseer.PollWait
	c.Overseer.ErrorBackoff = cfg.Overseer.ErrorBackoff
	c.Logger = logger
	c.Metrics = reg
	return c
}

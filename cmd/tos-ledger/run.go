package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tos-network/tos-ledger/internal/api"
	"github.com/tos-network/tos-ledger/internal/config"
	"github.com/tos-network/tos-ledger/internal/master"
	"github.com/tos-network/tos-ledger/internal/metrics"
	"github.com/tos-network/tos-ledger/internal/newrelic"
	"github.com/tos-network/tos-ledger/internal/profiling"
	"github.com/tos-network/tos-ledger/internal/util"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every enabled pool unit and the control server",
	RunE:  runLedger,
}

func runLedger(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.Sync()

	util.Infof("TOS Ledger v%s starting with %d pools configured", version, len(cfg.Pools))

	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
		metricsHandler = m.Handler()
	}

	agent := newrelic.NewAgent(cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("New Relic agent failed to start: %v", err)
	}
	defer agent.Stop()

	profiler := profiling.NewServer(cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Warnf("Profiling disabled: %v", err)
	}
	defer profiler.Stop()

	loader := func() (*config.Config, error) {
		return config.Load(cfgFile)
	}
	coordinator := master.New(cfg, loader, m, agent)
	if err := coordinator.Start(); err != nil {
		return err
	}

	if cfgFile != "" {
		onChange := func(next *config.Config) {
			util.SetLevel(next.Log.Level)
			coordinator.ApplyConfig(next)
		}
		if err := config.Watch(cfgFile, onChange); err != nil {
			util.Warnf("Config watch disabled: %v", err)
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, coordinator, metricsHandler)
		if err := apiServer.Start(); err != nil {
			coordinator.Stop()
			return fmt.Errorf("failed to start control server: %w", err)
		}
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Ledger started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	if apiServer != nil {
		apiServer.Stop()
	}
	coordinator.Stop()

	util.Info("Ledger stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleet/pkg/api"
	"github.com/cuemby/fleet/pkg/config"
	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/forge"
	"github.com/cuemby/fleet/pkg/forge/github"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/scheduler"
	"github.com/cuemby/fleet/pkg/store"
	"github.com/cuemby/fleet/pkg/worktree"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetd",
	Short:   "fleetd runs the fleet worker scheduler daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to an optional YAML config file")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", false, "initializing")
	metrics.RegisterComponent("scheduler", false, "initializing")
	metrics.RegisterComponent("forge", false, "initializing")

	st, err := store.Open(cfg.StateRoot)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	metrics.RegisterComponent("store", true, "ready")

	ctx := context.Background()
	var forgeCli forge.Forge
	if cfg.ForgeToken != "" {
		gh := github.New(ctx, cfg.ForgeToken)
		forgeCli = forge.NewBreakerForge("github", gh)
	} else {
		log.Logger.Warn().Msg("FORGE_TOKEN not set; forge calls will fail until one is configured")
		forgeCli = forge.NewBreakerForge("github", github.New(ctx, ""))
	}
	metrics.RegisterComponent("forge", true, "ready")

	wt := worktree.New(cfg.WorktreesRoot)
	broker := events.NewBroker()
	sched := scheduler.New(cfg, st, broker, forgeCli, wt)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	metrics.RegisterComponent("scheduler", true, "ready")

	srv := api.NewServer(cfg.ListenAddr, sched)
	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("control API listening")
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("control API error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("control API exited unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("control API shutdown did not complete cleanly")
	}
	if err := sched.Shutdown(); err != nil {
		log.Logger.Warn().Err(err).Msg("scheduler shutdown did not complete cleanly")
	}

	return nil
}

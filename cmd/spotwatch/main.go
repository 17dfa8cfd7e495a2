package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"spotwatch/internal/config"
	"spotwatch/internal/logger"
	"spotwatch/internal/processor"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spotwatch",
		Short: "Staleness alert evaluator for Spot",
		Long: `spotwatch evaluates the "no new runs" rule: it fires when any Spark
History host's latest processed run is older than the rule interval.

  spotwatch serve    Serve evaluations over HTTP and Kafka
  spotwatch check    Query Elasticsearch once and print the verdict`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ./spotwatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(newServeCmd(), newCheckCmd())
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the evaluation service until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.InitWithOptions(cfg.Log.Level, logger.Options{
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			})
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log := logger.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := processor.New(cfg)
	if err != nil {
		return err
	}

	// run processor in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Run(ctx)
	}()

	// wait for termination signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("processor exited")
		}
		return err
	}

	select {
	case err := <-errCh:
		log.Info().Msg("exited")
		return err
	case <-time.After(30 * time.Second):
		return errors.New("shutdown timed out")
	}
}

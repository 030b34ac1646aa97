package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/config"
	"github.com/illmade-knight/go-campaignflow/pkg/microservice"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "campaignflow",
		Short:         "Marketing event ingestion",
		Long:          "campaignflow collects marketing-platform events over HTTP and normalizes them from a durable queue into a raw and a normalized store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (defaults and environment only when empty)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "collector",
		Short: "Run the HTTP collector that publishes events to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, config.RoleCollector, newCollector)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "normalizer",
		Short: "Run the queue consumer that writes raw and normalized events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, config.RoleNormalizer, newNormalizer)
		},
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serviceFactory builds a service and returns a cleanup for its clients.
type serviceFactory func(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (microservice.Service, func(), error)

func run(cmd *cobra.Command, role config.Role, build serviceFactory) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, role)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = logger.With().Str("service", string(role)).Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build %s: %w", role, err)
	}
	defer cleanup()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", role, err)
	}
	logger.Info().Str("port", svc.GetHTTPPort()).Msg("Service started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors.")
		return err
	}
	logger.Info().Msg("Shutdown complete.")
	return nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger(), nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/go-ble-central/internal/config"
	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	rootCmd := &cobra.Command{
		Use:     "ble-central",
		Short:   "Go BLE Central - WebSocket-based Bluetooth LE central manager",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(ctx, cmd)
		},
	}
	rootCmd.SetArgs(args)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config file (default is $HOME/.ble_central/config.yaml)")
	rootCmd.PersistentFlags().String("env-file", "", "env file to load environment variables from (e.g., .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")

	// Server specific flags
	rootCmd.Flags().IntP("port", "p", 5590, "WebSocket server port")
	rootCmd.Flags().StringSliceP("listen", "l", []string{}, "Listen addresses (default: all interfaces)")
	rootCmd.Flags().String("storage-path", "", "Storage path for persistent data (default: ./.ble_central)")

	// Central manager flags
	rootCmd.Flags().String("transport", config.BackendSim, "Radio transport backend (sim, bluez, tinygo)")
	rootCmd.Flags().String("adapter", "hci0", "Bluetooth adapter for the bluez and tinygo backends")
	rootCmd.Flags().String("scenario", "", "Scenario file for the sim backend")
	rootCmd.Flags().String("pending-policy", "queue", "Requests made while powered off: queue or drop")
	rootCmd.Flags().Bool("allow-duplicates", false, "Report every advertisement by default")
	rootCmd.Flags().Bool("central-enabled", true, "Enable the central manager")

	return rootCmd.ExecuteContext(ctx)
}

func runServer(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := setupLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}

func setupLogger(levelStr, formatStr string) (*logger.Logger, error) {
	level, err := logger.ParseLogLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	format, err := logger.ParseLogFormat(formatStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log format: %w", err)
	}

	return logger.New(logger.Config{
		Level:     level,
		Format:    format,
		UseColors: format == logger.ConsoleFormat,
	}), nil
}

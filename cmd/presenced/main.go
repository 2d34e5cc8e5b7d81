// presenced is the RFID device presence engine.
//
// It consumes reader sightings from the MQTT broker, toggles each device's
// presence status, promotes devices that stay out too long to Missing, and
// records every transition in the audit store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/config"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
	_ "github.com/Pycube-FP/Pycube-MDM/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path, used only when it exists.
const defaultConfigPath = "configs/config.yaml"

// configEnv names the environment variable holding the config path.
const configEnv = "PRESENCE_CONFIG"

func main() {
	// Cancel on Ctrl+C or SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds global flags.
type rootOptions struct {
	configPath string
}

// newRootCommand builds the command tree. Running it without a subcommand
// serves.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "presenced",
		Short:         "RFID device presence engine",
		Long:          "Tracks hospital device presence from RFID reader sightings and flags devices missing after a configurable time out.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (overrides "+configEnv+")")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newCheckConfigCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// resolveConfigPath picks the config file: flag, then PRESENCE_CONFIG, then
// the default path if it exists. An empty result means defaults plus
// environment only.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// loadConfig loads and validates configuration.
func loadConfig(opts *rootOptions) (*config.Config, string, error) {
	path := resolveConfigPath(opts.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// openDatabase opens the configured store.
func openDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		DSN:          cfg.Database.DSN,
		WALMode:      cfg.Database.WALMode,
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "presenced %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func newCheckConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(opts)
			if err != nil {
				if errors.Is(err, config.ErrInvalidConfig) {
					return fmt.Errorf("invalid configuration: %w", err)
				}
				return err
			}
			if path == "" {
				path = "(defaults and environment)"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK: %s\n", path)
			fmt.Fprintf(out, "  database: %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "  broker:   %s:%d (tls=%t) topic=%s\n", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port, cfg.MQTT.Broker.TLS, cfg.MQTT.Topic)
			fmt.Fprintf(out, "  sweep:    every %s, missing after %s\n", cfg.Presence.SweepInterval, cfg.Presence.MissingThreshold)
			return nil
		},
	}
}

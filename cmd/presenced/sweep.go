package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Pycube-FP/Pycube-MDM/internal/audit"
	"github.com/Pycube-FP/Pycube-MDM/internal/device"
	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/logging"
	"github.com/Pycube-FP/Pycube-MDM/internal/sweep"
)

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one missing sweep and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging, version)

			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // process exit

			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}

			scheduler := sweep.NewScheduler(device.NewSQLRepository(db), audit.NewStore(db), sweep.Config{
				Threshold: cfg.Presence.MissingThreshold,
			})
			scheduler.SetLogger(log.With("component", "sweep"))

			res, err := scheduler.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("running sweep: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/database"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/instances"
)

func installInstancesCmd(app *App) {
	instancesCmd := &cobra.Command{
		Use:   "instances",
		Short: "Moderate registered instances",
		Args:  cobra.NoArgs,
	}

	banCmd := &cobra.Command{
		Use:   "ban instance-id",
		Short: "Ban an instance",
		Long:  `Ban an instance so that every later submission carrying its token is rejected.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.cmd.SilenceUsage = false

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("instance id must be a positive integer, got %q", args[0])
			}

			app.cmd.SilenceUsage = true
			return app.banRun(cmd.Context(), id)
		},
	}

	instancesCmd.AddCommand(banCmd)
	app.cmd.AddCommand(instancesCmd)
}

func (a *App) banRun(ctx context.Context, id int64) error {
	db, err := database.Connect(ctx, a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("Failed to close database", "err", err)
		}
	}()

	registry := instances.New()
	if err := db.WithTx(ctx, func(tx database.Tx) error {
		return registry.Ban(ctx, tx, id)
	}); err != nil {
		return err
	}

	slog.Info("Instance banned", "instance_id", id)
	return nil
}

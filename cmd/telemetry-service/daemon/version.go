package daemon

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/radar-lgpd/radar-telemetry/internal/common/constants"
)

func (a *App) installVersion() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Returns the running version of " + constants.CmdName + " and exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", constants.CmdName, constants.Version)
			return err
		},
	}
	a.cmd.AddCommand(cmd)
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewBackupsCommand creates the parent 'backups' command.
func NewBackupsCommand(runtime *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Manage pre-rotation backups",
	}

	cmd.AddCommand(newBackupsCleanupCmd(runtime))

	return cmd
}

func newBackupsCleanupCmd(runtime *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete backups past their retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := runtime.BuildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			removed := app.Backups.CleanupExpired(cmd.Context())
			fmt.Printf("removed %d expired backup(s)\n", removed)
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDiscoverCommand creates the 'discover' command.
func NewDiscoverCommand(runtime *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Scan the connected AWS account for rotatable credentials",
		Long: `Enumerate IAM users and their access keys, registering one
credential per key. Keys seen before are refreshed in place; new keys
are added subject to the tenant's plan quota.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tctx, err := runtime.TenantContext()
			if err != nil {
				return err
			}
			app, err := runtime.BuildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close(cmd.Context())

			summary, err := app.Scanner.Scan(cmd.Context(), tctx)
			if err != nil {
				return err
			}

			fmt.Printf("scanned %d user(s): %d discovered, %d refreshed, %d rejected by quota\n",
				summary.UsersScanned, summary.Discovered, summary.Refreshed, summary.Rejected)
			return nil
		},
	}
}

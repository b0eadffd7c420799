package commands

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vaultpilot/vaultpilot/internal/engine"
)

// NewRotateCommand creates the parent 'rotate' command.
func NewRotateCommand(runtime *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate credentials that are due",
		Long: `Run rotation against the tenant's credentials.

Examples:
  # Rotate everything due within the configured threshold
  vaultpilot rotate run --tenant acme --plan business

  # Rotate a single credential on demand
  vaultpilot rotate one cred-42 --token "$VAULTPILOT_TOKEN"`,
	}

	cmd.AddCommand(
		newRotateRunCmd(runtime),
		newRotateOneCmd(runtime),
	)

	return cmd
}

func newRotateRunCmd(runtime *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a rotation cycle over all due credentials",
		Args:  cobra.NoArgs,
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

			summary := app.Engine.RunCycle(cmd.Context(), tctx)
			printCycleSummary(os.Stdout, summary)

			if summary.ManualIntervention > 0 {
				return fmt.Errorf("%d credential(s) need manual intervention", summary.ManualIntervention)
			}
			return nil
		},
	}
}

func newRotateOneCmd(runtime *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "one <credential-id>",
		Short: "Rotate a single credential by id",
		Args:  cobra.ExactArgs(1),
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

			result := app.Engine.RotateOne(cmd.Context(), tctx, args[0])
			printResult(os.Stdout, result)

			if result.Outcome != engine.OutcomeSuccess {
				return fmt.Errorf("rotation of %s ended with outcome %s", args[0], result.Outcome)
			}
			return nil
		},
	}
}

func printCycleSummary(out io.Writer, summary engine.CycleSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CREDENTIAL\tOUTCOME\tATTEMPTS\tDURATION\tERROR")
	for _, result := range summary.Results {
		errStr := "-"
		if result.Err != nil {
			errStr = result.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			result.CredentialID, result.Outcome, result.Attempts,
			result.Duration.Round(time.Millisecond), errStr)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d total: %d succeeded, %d rolled back, %d manual, %d rejected, %d aborted, %d skipped\n",
		summary.Total, summary.Succeeded, summary.RolledBack, summary.ManualIntervention,
		summary.Rejected, summary.Aborted, summary.Skipped)
}

func printResult(out io.Writer, result engine.Result) {
	fmt.Fprintf(out, "credential %s: %s (%d attempt(s), %s)\n",
		result.CredentialID, result.Outcome, result.Attempts, result.Duration.Round(time.Millisecond))
	if result.Err != nil {
		fmt.Fprintf(out, "  error: %v\n", result.Err)
	}
}

package commands

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vaultpilot/vaultpilot/internal/audit"
)

// NewAuditCommand creates the parent 'audit' command.
func NewAuditCommand(runtime *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}

	cmd.AddCommand(newAuditListCmd(runtime))

	return cmd
}

func newAuditListCmd(runtime *Runtime) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries for the tenant, newest first",
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

			entries, err := app.Sink.List(cmd.Context(), tctx.TenantID)
			if err != nil {
				return fmt.Errorf("list audit entries: %w", err)
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}

			printAuditEntries(os.Stdout, entries)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show (0 for all)")

	return cmd
}

func printAuditEntries(out io.Writer, entries []audit.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tRESOURCE\tACTOR")
	for _, entry := range entries {
		resource := entry.ResourceID
		if resource == "" {
			resource = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			entry.Timestamp.UTC().Format(time.RFC3339), entry.Action, resource, entry.Actor)
	}
	w.Flush()
}

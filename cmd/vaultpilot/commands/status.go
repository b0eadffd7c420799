package commands

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	"github.com/vaultpilot/vaultpilot/internal/store"
)

// NewStatusCommand creates the 'status' command.
func NewStatusCommand(runtime *Runtime) *cobra.Command {
	var dueOnly bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show rotation status for the tenant's credentials",
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

			creds, err := app.Credentials.Query(cmd.Context(), tctx.TenantID, store.CredentialFilter{})
			if err != nil {
				return fmt.Errorf("query credentials: %w", err)
			}

			now := time.Now().UTC()
			shown := make([]credential.Credential, 0, len(creds))
			for i := range creds {
				creds[i].RefreshExpiry(now)
				if dueOnly && !creds[i].Due(app.Config.Engine.DueThresholdDays) {
					continue
				}
				shown = append(shown, creds[i])
			}

			printCredentialStatus(os.Stdout, shown)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dueOnly, "due", false, "Only show credentials due for rotation")

	return cmd
}

func printCredentialStatus(out io.Writer, creds []credential.Credential) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tLAST ROTATED\tEXPIRES IN")
	for _, cred := range creds {
		lastRotated := "never"
		if !cred.LastRotatedAt.IsZero() {
			lastRotated = cred.LastRotatedAt.UTC().Format("2006-01-02")
		}
		expires := fmt.Sprintf("%d day(s)", cred.ExpiresInDays)
		if cred.ExpiresInDays < 0 {
			expires = fmt.Sprintf("overdue by %d day(s)", -cred.ExpiresInDays)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			cred.ID, cred.Name, cred.Type, cred.Status, lastRotated, expires)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d credential(s)\n", len(creds))
}

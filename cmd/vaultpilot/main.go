package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vaultpilot/vaultpilot/cmd/vaultpilot/commands"
	"github.com/vaultpilot/vaultpilot/internal/config"
	"github.com/vaultpilot/vaultpilot/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
		token      string
		tenantID   string
		plan       string
	)

	runtime := &commands.Runtime{}

	rootCmd := &cobra.Command{
		Use:   "vaultpilot",
		Short: "Credential lifecycle rotation engine",
		Long: `vaultpilot discovers credentials that are due for rotation and
rotates them through type-specific backends, with pre-rotation backups,
automatic rollback on failure, and per-tenant plan quotas.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			runtime.ConfigPath = configFile
			runtime.Token = token
			runtime.TenantID = tenantID
			runtime.Plan = plan
			runtime.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Principal token (JWT) carrying tenant claims")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "Tenant id (when no token is available)")
	rootCmd.PersistentFlags().StringVar(&plan, "plan", "", "Tenant plan override: free, pro, business, enterprise")

	rootCmd.AddCommand(
		commands.NewRotateCommand(runtime),
		commands.NewDiscoverCommand(runtime),
		commands.NewBackupsCommand(runtime),
		commands.NewAuditCommand(runtime),
		commands.NewStatusCommand(runtime),
	)

	return rootCmd.Execute()
}

// Command shellsync is the CLI for inspecting and mutating a machine's
// local Shell Sync state: aliases, history, conflicts, and machine roster.
// It talks directly to the local client.db and key material shellsyncd
// also uses (the machines subcommand queries the relay's HTTP API
// instead), using the same one-root-command, one-file-per-feature cobra
// layout as the cmd/synnergy tool this was adapted from (since deleted
// from this tree once its blockchain subcommands were replaced).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shellsync/internal/config"
)

var cfg *config.Config

func main() {
	root := &cobra.Command{
		Use:   "shellsync",
		Short: "Inspect and manage synced shell aliases and history",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadFromEnv()
			return err
		},
	}
	root.AddCommand(
		newAliasCmd(),
		newHistoryCmd(),
		newConflictsCmd(),
		newMachinesCmd(),
		newImportCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Package cmd wires the ringd binary's cobra commands: serve (bring up
// this node and, on rank 0, the HTTP surface) and cluster (administrative
// planning and status, run out of band against a devices manifest before
// any node is started).
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ringmesh/ringd/internal/logutil"
)

// NewCLI builds the root command: a single rootCmd with SilenceUsage set
// in PersistentPreRun and command sorting left in declaration order.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ringd",
		Short: "Distributed inference ring for heterogeneous device clusters",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newClusterCmd())

	return rootCmd
}

func defaultLogger() *slog.Logger {
	return logutil.NewLogger(os.Stderr, slog.LevelInfo)
}

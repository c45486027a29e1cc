package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build metadata, set at build time using ldflags.
// Example: go build -ldflags "-X github.com/caduceuslabs/veriflow/cmd.Version=1.0.0"
var (
	Version = "0.1.0"
	Commit  = "none"
	Date    = "unknown"
)

// newVersionCmd creates the `version` command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the veriflow version and build metadata",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "veriflow %s (commit %s, built %s)\n", Version, Commit, Date)
		},
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

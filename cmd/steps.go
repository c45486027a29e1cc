package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caduceuslabs/veriflow/internal/catalog"
)

// newStepsCmd creates the `steps` command.
func newStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "Print the verification step catalog and its execution waves",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load(viper.GetString("catalog.path"))
			if err != nil {
				return fmt.Errorf("failed to load step catalog: %w", err)
			}

			out := cmd.OutOrStdout()
			for i, wave := range cat.Waves() {
				fmt.Fprintf(out, "wave %d:\n", i+1)
				for _, id := range wave {
					spec, ok := cat.Get(id)
					if !ok {
						continue
					}
					deps := "-"
					if len(spec.DependsOn) > 0 {
						deps = "after " + strings.Join(spec.DependsOn, ", ")
					}
					fmt.Fprintf(out, "  %-16s %-10s %-32s %s\n", spec.ID, spec.Kind, spec.Name, deps)
				}
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newStepsCmd())
}

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/baseddata-vacuum/internal/orchestrator"
)

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List run modes and the sources each selects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), orchestrator.Modes())
		},
	}
}

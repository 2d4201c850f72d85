package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/resolve"
)

// newResolveCmd creates the 'resolve' subcommand, a standalone entity
// resolution pass over every unlinked record.
func newResolveCmd() *cobra.Command {
	var (
		batchSize int
		tables    []string
		skipEdges bool
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Link unlinked records to entities",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, app App, e *env) error {
			if batchSize <= 0 {
				batchSize = e.cfg.Resolve.BatchSize
			}
			summary, err := app.Resolve(cmd.Context(), resolve.Options{
				BatchSize:         batchSize,
				Tables:            tables,
				SkipRelationships: skipEdges,
			})
			if err != nil {
				return fmt.Errorf("resolution pass failed: %w", err)
			}
			e.logger.Info("resolution pass finished",
				zap.Int("scanned", summary.Scanned),
				zap.Int("created", summary.Created),
				zap.Int("errors", summary.ErrorCount),
			)
			return writeJSON(cmd.OutOrStdout(), summary)
		}),
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows fetched per table per batch; 0 uses resolve.batch_size")
	cmd.Flags().StringSliceVar(&tables, "table", nil, "restrict the pass to these tables (repeatable)")
	cmd.Flags().BoolVar(&skipEdges, "skip-relationships", false, "do not derive prime/sub relationships")
	return cmd
}

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

// newRunsCmd creates the 'runs' subcommand group for reading the run log.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run log",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsGetCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, app App, _ *env) error {
			var filter *store.RunStatus
			if status != "" {
				s := store.RunStatus(strings.ToLower(status))
				if !s.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
				filter = &s
			}
			runs, err := app.Runs().ListRuns(cmd.Context(), filter, limit, offset)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if runs == nil {
				runs = []store.Run{}
			}
			return writeJSON(cmd.OutOrStdout(), runs)
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	return cmd
}

func newRunsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Print one run",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, app App, _ *env) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			run, err := app.Runs().GetRun(cmd.Context(), id)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("run %s not found", id)
			}
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), run)
		}),
	}
}

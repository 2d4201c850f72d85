package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/orchestrator"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

const (
	exitFailed     = 1
	exitWithErrors = 2
)

type runFlags struct {
	mode      string
	trigger   string
	source    string
	states    []string
	agencies  []string
	years     []int
	keywords  []string
	maxPages  int
	noResolve bool
	strict    bool
}

func (f runFlags) request() ingest.RunRequest {
	req := ingest.RunRequest{
		Mode:     f.mode,
		Trigger:  f.trigger,
		Source:   f.source,
		States:   f.states,
		Agencies: f.agencies,
		Years:    f.years,
		Keywords: f.keywords,
		MaxPages: f.maxPages,
	}
	if f.noResolve {
		resolve := false
		req.Resolve = &resolve
	}
	return req
}

// newRunCmd creates the 'run' subcommand, which executes one run in the
// foreground and prints its outcome as JSON.
func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one ingestion run and print its outcome",
		Long: `Runs every source the mode selects, optionally followed by entity
resolution. Exits 1 when the run failed; with --strict also exits 2 when it
completed with errors.`,
		Example: `  vacuum run --mode quick
  vacuum run --mode targeted --source sbir --agency NASA --year 2024
  vacuum run --mode contracts-only --state VA --state MD --no-resolve`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, app App, e *env) error {
			out, err := app.Run(cmd.Context(), flags.request())
			if err != nil {
				return fmt.Errorf("run did not start: %w", err)
			}
			e.logger.Info("run finished",
				zap.String("run_id", out.RunID.String()),
				zap.String("status", string(out.Status)),
				zap.Int("loaded", out.TotalLoaded),
				zap.Int("errors", out.TotalErrors),
			)
			if err := writeOutcome(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return exitFor(out.Status, flags.strict)
		}),
	}

	f := cmd.Flags()
	f.StringVar(&flags.mode, "mode", orchestrator.ModeQuick, "run mode (see 'vacuum modes')")
	f.StringVar(&flags.trigger, "trigger", "cli", "trigger recorded on the run")
	f.StringVar(&flags.source, "source", "", "single source for targeted runs")
	f.StringSliceVar(&flags.states, "state", nil, "two-letter state codes (repeatable)")
	f.StringSliceVar(&flags.agencies, "agency", nil, "agency codes (repeatable)")
	f.IntSliceVar(&flags.years, "year", nil, "fiscal years (repeatable)")
	f.StringSliceVar(&flags.keywords, "keyword", nil, "search keywords (repeatable)")
	f.IntVar(&flags.maxPages, "max-pages", 0, "cap pages per partition; 0 keeps the mode default")
	f.BoolVar(&flags.noResolve, "no-resolve", false, "skip entity resolution after the run")
	f.BoolVar(&flags.strict, "strict", false, "exit 2 when the run completed with errors")
	return cmd
}

// exitFor maps a final status onto the process exit code.
func exitFor(status store.RunStatus, strict bool) error {
	switch {
	case status == store.RunFailed:
		return &exitError{code: exitFailed, msg: "run failed"}
	case status == store.RunCompletedWithErrors && strict:
		return &exitError{code: exitWithErrors, msg: "run completed with errors"}
	default:
		return nil
	}
}

type outcomeJSON struct {
	RunID           string                   `json:"run_id"`
	Mode            string                   `json:"mode"`
	Status          store.RunStatus          `json:"status"`
	Success         bool                     `json:"success"`
	TotalLoaded     int                      `json:"total_loaded"`
	TotalErrors     int                      `json:"total_errors"`
	DurationSeconds float64                  `json:"duration_seconds"`
	Sources         []store.SourceSummary    `json:"sources"`
	Errors          []string                 `json:"errors,omitempty"`
	Resolution      *store.ResolutionSummary `json:"resolution,omitempty"`
}

func writeOutcome(w io.Writer, out orchestrator.Outcome) error {
	return writeJSON(w, outcomeJSON{
		RunID:           out.RunID.String(),
		Mode:            out.Mode,
		Status:          out.Status,
		Success:         out.Success(),
		TotalLoaded:     out.TotalLoaded,
		TotalErrors:     out.TotalErrors,
		DurationSeconds: out.Duration.Seconds(),
		Sources:         out.Sources,
		Errors:          out.Errors,
		Resolution:      out.Resolution,
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

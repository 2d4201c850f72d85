package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

// Outcome is the single result of a run. Callers branch on Status; Success
// only says the run was not aborted.
type Outcome struct {
	RunID       uuid.UUID
	Mode        string
	Trigger     string
	Status      store.RunStatus
	StartedAt   time.Time
	FinishedAt  time.Time
	Duration    time.Duration
	TotalLoaded int
	TotalErrors int
	Sources     []store.SourceSummary
	// Errors holds run-level failures: aborts and resolver errors.
	Errors     []string
	Resolution *store.ResolutionSummary
}

// Success is true for completed and completed_with_errors.
func (o Outcome) Success() bool {
	return o.Status == store.RunCompleted || o.Status == store.RunCompletedWithErrors
}

// AllErrors flattens run-level and per-source messages in run order.
func (o Outcome) AllErrors() []string {
	var out []string
	out = append(out, o.Errors...)
	for _, s := range o.Sources {
		out = append(out, s.Errors...)
	}
	return out
}

// Record converts the outcome into its vacuum_runs row.
func (o Outcome) Record() store.Run {
	finished := o.FinishedAt
	return store.Run{
		ID:              o.RunID,
		Mode:            o.Mode,
		Trigger:         o.Trigger,
		Status:          o.Status,
		StartedAt:       o.StartedAt,
		FinishedAt:      &finished,
		DurationSeconds: o.Duration.Seconds(),
		TotalLoaded:     o.TotalLoaded,
		TotalErrors:     o.TotalErrors,
		Sources:         o.Sources,
		Errors:          o.Errors,
		Resolution:      o.Resolution,
	}
}

// tally recomputes totals and the final status from the sources and
// run-level errors.
func (o *Outcome) tally(aborted bool) {
	o.TotalLoaded = 0
	o.TotalErrors = len(o.Errors)
	for _, s := range o.Sources {
		o.TotalLoaded += s.Loaded
		o.TotalErrors += s.ErrorCount
	}
	switch {
	case aborted:
		o.Status = store.RunFailed
	case o.TotalErrors > 0:
		o.Status = store.RunCompletedWithErrors
	default:
		o.Status = store.RunCompleted
	}
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// RunStatus mirrors the vacuum_runs status column.
type RunStatus string

// Run lifecycle: pending -> running -> completed | completed_with_errors | failed.
const (
	RunPending             RunStatus = "pending"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithErrors, RunFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s == RunPending || s == RunRunning || s.Terminal()
}

// SourceSummary is the per-source slice of a run.
type SourceSummary struct {
	Source string `json:"source"`
	// Loaded counts inserted plus updated rows.
	Loaded     int      `json:"loaded"`
	Skipped    int      `json:"skipped"`
	Pages      int      `json:"pages"`
	ErrorCount int      `json:"error_count"`
	Errors     []string `json:"errors"`
	// SkipReason is set when the source never ran, e.g. a missing API key.
	SkipReason string  `json:"skip_reason,omitempty"`
	Duration   float64 `json:"duration_seconds"`
}

// ResolutionSummary reports one entity resolution pass.
type ResolutionSummary struct {
	Scanned          int      `json:"scanned"`
	MatchedByUEI     int      `json:"matched_by_uei"`
	MatchedByName    int      `json:"matched_by_name"`
	Created          int      `json:"created"`
	Linked           int64    `json:"linked"`
	Relationships    int      `json:"relationships"`
	SubawardsScanned int      `json:"subawards_scanned"`
	ErrorCount       int      `json:"error_count"`
	Errors           []string `json:"errors,omitempty"`
}

// Run models one row of vacuum_runs.
type Run struct {
	ID              uuid.UUID          `json:"run_id"`
	Mode            string             `json:"mode"`
	Trigger         string             `json:"trigger"`
	Status          RunStatus          `json:"status"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	DurationSeconds float64            `json:"duration_seconds"`
	TotalLoaded     int                `json:"total_loaded"`
	TotalErrors     int                `json:"total_errors"`
	Sources         []SourceSummary    `json:"sources"`
	Errors          []string           `json:"errors,omitempty"`
	Resolution      *ResolutionSummary `json:"resolution,omitempty"`
}

// RunRepository persists run bookkeeping.
type RunRepository interface {
	// CreateRun inserts the run or, for a run queued earlier, moves it to the
	// given status and start time.
	CreateRun(ctx context.Context, run Run) error
	// FinishRun writes final counts, status, and duration.
	FinishRun(ctx context.Context, run Run) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}

// AbandonRun marks a queued run failed with cause. It is used when a run was
// recorded as pending but never got to execute.
func AbandonRun(ctx context.Context, repo RunRepository, id uuid.UUID, at time.Time, cause error) error {
	run, err := repo.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Status = RunFailed
	run.FinishedAt = &at
	run.DurationSeconds = at.Sub(run.StartedAt).Seconds()
	run.Errors = append(run.Errors, cause.Error())
	run.TotalErrors = len(run.Errors)
	return repo.FinishRun(ctx, run)
}

package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Run lifecycle stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageSourceStart Stage = "SOURCE_START"
	StagePageDone    Stage = "PAGE_DONE"
	StageSourceDone  Stage = "SOURCE_DONE"
	StageRunDone     Stage = "RUN_DONE"
	StageRunError    Stage = "RUN_ERROR"
)

// Event is one step of an ingestion run.
type Event struct {
	RunID uuid.UUID `json:"run_id"`
	TS    time.Time `json:"ts"`
	Stage Stage     `json:"stage"`
	Mode  string    `json:"mode,omitempty"`
	// Source and Partition scope source and page events.
	Source    string `json:"source,omitempty"`
	Partition string `json:"partition,omitempty"`
	Page      int    `json:"page,omitempty"`
	// Loaded, Skipped, and Errors are deltas for page events and totals for
	// source and run completions.
	Loaded  int64 `json:"loaded,omitempty"`
	Skipped int64 `json:"skipped,omitempty"`
	Errors  int64 `json:"errors,omitempty"`
	// Status carries the final run status on RUN_DONE and RUN_ERROR.
	Status string        `json:"status,omitempty"`
	Dur    time.Duration `json:"duration_ns,omitempty"`
	Note   string        `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
	case StageRunDone, StageRunError:
		if e.Status == "" {
			return fmt.Errorf("%s requires status", e.Stage)
		}
	case StageSourceStart, StageSourceDone, StagePageDone:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// PartitionKey keeps every event of one run on the same bus partition.
func (e Event) PartitionKey() string {
	return e.RunID.String()
}

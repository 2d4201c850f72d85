package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

// RunStore implements store.RunRepository on vacuum_runs.
type RunStore struct {
	db DB
}

// NewRunStore wraps db.
func NewRunStore(db DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{db: db}, nil
}

// CreateRun inserts the run, or moves a queued run to its new status.
func (s *RunStore) CreateRun(ctx context.Context, run store.Run) error {
	query := `
		INSERT INTO vacuum_runs (id, mode, trigger, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, started_at = EXCLUDED.started_at
		WHERE vacuum_runs.status = 'pending';
	`
	_, err := s.db.Exec(ctx, query, run.ID, run.Mode, run.Trigger, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun writes the final summary.
func (s *RunStore) FinishRun(ctx context.Context, run store.Run) error {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	errs, err := json.Marshal(nonNil(run.Errors))
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	var resolution []byte
	if run.Resolution != nil {
		if resolution, err = json.Marshal(run.Resolution); err != nil {
			return fmt.Errorf("marshal resolution: %w", err)
		}
	}
	query := `
		UPDATE vacuum_runs
		SET status = $1, finished_at = $2, duration_seconds = $3, total_loaded = $4,
			total_errors = $5, sources = $6, errors = $7, resolution = $8
		WHERE id = $9;
	`
	res, err := s.db.Exec(ctx, query,
		string(run.Status),
		run.FinishedAt,
		run.DurationSeconds,
		run.TotalLoaded,
		run.TotalErrors,
		sources,
		errs,
		resolution,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const runColumns = `id, mode, trigger, status, started_at, finished_at, duration_seconds,
	total_loaded, total_errors, sources, errors, resolution`

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (store.Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM vacuum_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status != nil {
		rows, err = s.db.Query(ctx, `SELECT `+runColumns+` FROM vacuum_runs
			WHERE status = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`, string(*status), limit, offset)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+runColumns+` FROM vacuum_runs
			ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run        store.Run
		status     string
		finished   *time.Time
		sources    []byte
		errs       []byte
		resolution []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.Mode,
		&run.Trigger,
		&status,
		&run.StartedAt,
		&finished,
		&run.DurationSeconds,
		&run.TotalLoaded,
		&run.TotalErrors,
		&sources,
		&errs,
		&resolution,
	); err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	run.FinishedAt = finished
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &run.Sources); err != nil {
			return store.Run{}, fmt.Errorf("decode sources: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &run.Errors); err != nil {
			return store.Run{}, fmt.Errorf("decode errors: %w", err)
		}
	}
	if len(resolution) > 0 {
		run.Resolution = &store.ResolutionSummary{}
		if err := json.Unmarshal(resolution, run.Resolution); err != nil {
			return store.Run{}, fmt.Errorf("decode resolution: %w", err)
		}
	}
	return run, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

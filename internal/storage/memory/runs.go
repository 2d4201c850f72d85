package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

// RunStore keeps run records in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]store.Run)}
}

func cloneRun(r store.Run) store.Run {
	r.Sources = slices.Clone(r.Sources)
	for i := range r.Sources {
		r.Sources[i].Errors = slices.Clone(r.Sources[i].Errors)
	}
	r.Errors = slices.Clone(r.Errors)
	if r.Resolution != nil {
		res := *r.Resolution
		res.Errors = slices.Clone(res.Errors)
		r.Resolution = &res
	}
	if r.FinishedAt != nil {
		ts := *r.FinishedAt
		r.FinishedAt = &ts
	}
	return r
}

// CreateRun stores a new run or promotes a pending one.
func (s *RunStore) CreateRun(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[run.ID]; ok {
		if prev.Status != store.RunPending {
			return nil
		}
		prev.Status = run.Status
		prev.StartedAt = run.StartedAt
		s.runs[run.ID] = prev
		return nil
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// FinishRun overwrites the stored run with its final summary.
func (s *RunStore) FinishRun(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if status != nil && r.Status != *status {
			continue
		}
		out = append(out, cloneRun(r))
	}
	slices.SortFunc(out, func(a, b store.Run) int { return b.StartedAt.Compare(a.StartedAt) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

func TestRunStoreCreateAndFinish(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runs, err := NewRunStore(mock)
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(90 * time.Second)
	run := store.Run{
		ID:        uuid.New(),
		Mode:      "quick",
		Trigger:   "manual",
		Status:    store.RunRunning,
		StartedAt: started,
	}

	mock.ExpectExec("INSERT INTO vacuum_runs").
		WithArgs(run.ID, "quick", "manual", "running", started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, runs.CreateRun(context.Background(), run))

	run.Status = store.RunCompletedWithErrors
	run.FinishedAt = &finished
	run.DurationSeconds = 90
	run.TotalLoaded = 12
	run.TotalErrors = 1
	run.Sources = []store.SourceSummary{{Source: "sbir", Loaded: 12, ErrorCount: 1, Errors: []string{"boom"}}}

	mock.ExpectExec("UPDATE vacuum_runs").
		WithArgs(
			"completed_with_errors",
			&finished,
			90.0,
			12,
			1,
			pgxmock.AnyArg(),
			[]byte(`[]`),
			[]byte(nil),
			run.ID,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, runs.FinishRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreFinishUnknownRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runs, err := NewRunStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE vacuum_runs").
		WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = runs.FinishRun(context.Background(), store.Run{ID: uuid.New(), Status: store.RunFailed})
	require.ErrorIs(t, err, store.ErrNotFound)
}

var runRowColumns = []string{
	"id", "mode", "trigger", "status", "started_at", "finished_at", "duration_seconds",
	"total_loaded", "total_errors", "sources", "errors", "resolution",
}

func TestRunStoreGetRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runs, err := NewRunStore(mock)
	require.NoError(t, err)

	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	mock.ExpectQuery("FROM vacuum_runs WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runRowColumns).AddRow(
			id, "sbir-only", "api", "completed", started, &finished, 60.0, 4, 0,
			[]byte(`[{"source":"sbir","loaded":4,"skipped":0,"pages":1,"error_count":0,"errors":[],"duration_seconds":60}]`),
			[]byte(`[]`),
			[]byte(`{"scanned":4,"created":2}`),
		))

	got, err := runs.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, got.Status)
	require.Equal(t, "sbir-only", got.Mode)
	require.Len(t, got.Sources, 1)
	require.Equal(t, 4, got.Sources[0].Loaded)
	require.NotNil(t, got.Resolution)
	require.Equal(t, 2, got.Resolution.Created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreGetRunMissing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runs, err := NewRunStore(mock)
	require.NoError(t, err)

	id := uuid.New()
	mock.ExpectQuery("FROM vacuum_runs WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runRowColumns))

	_, err = runs.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStoreListRunsFiltersByStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runs, err := NewRunStore(mock)
	require.NoError(t, err)

	status := store.RunFailed
	mock.ExpectQuery("WHERE status = \\$1 ORDER BY started_at DESC").
		WithArgs("failed", 50, 0).
		WillReturnRows(pgxmock.NewRows(runRowColumns).AddRow(
			uuid.New(), "full", "schedule", "failed", time.Now().UTC(), (*time.Time)(nil), 1.0, 0, 1,
			[]byte(`[]`), []byte(`["fatal: boom"]`), []byte(nil),
		))

	got, err := runs.ListRuns(context.Background(), &status, 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []string{"fatal: boom"}, got[0].Errors)
	require.Nil(t, got[0].Resolution)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityStoreLinkRecords(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	entities, err := NewEntityStore(mock)
	require.NoError(t, err)

	id := uuid.New()
	mock.ExpectQuery("WITH linked AS \\(\\s+UPDATE grants\\s+SET entity_id = \\$1").
		WithArgs(id, "ABC123", []string{"ACME CORP"}).
		WillReturnRows(pgxmock.NewRows([]string{"count", "sum"}).AddRow(int64(3), 300.5))

	res, err := entities.LinkRecords(context.Background(), "grants", id, "ABC123", []string{"ACME CORP"})
	require.NoError(t, err)
	require.EqualValues(t, 3, res.Rows)
	require.InDelta(t, 300.5, res.Amount, 0.001)

	_, err = entities.LinkRecords(context.Background(), "opportunities", id, "", nil)
	require.ErrorContains(t, err, "not resolvable")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityStoreMarksFailedAttempts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	entities, err := NewEntityStore(mock)
	require.NoError(t, err)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE grants\\s+SET resolution_attempted_at = \\$1").
		WithArgs(at, "", []string{"***"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE subawards\\s+SET relationship_attempted_at = \\$3").
		WithArgs("S1", "P1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, entities.MarkUnresolved(context.Background(), "grants", "", []string{"***"}, at))
	require.NoError(t, entities.MarkSubawardAttempted(context.Background(), "S1", "P1", at))
	require.ErrorContains(t, entities.MarkUnresolved(context.Background(), "labor_rates", "", nil, at), "not resolvable")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityStoreListUnlinkedPutsAttemptedRowsLast(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	entities, err := NewEntityStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("ORDER BY resolution_attempted_at NULLS FIRST, created_at").
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"recipient_name", "recipient_uei", "state", "city", "amount"}).
			AddRow("Acme Labs", "", "VA", "Reston", 10.0))

	got, err := entities.ListUnlinked(context.Background(), "grants", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Acme Labs", got[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityStoreCreateEntity(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	entities, err := NewEntityStore(mock)
	require.NoError(t, err)

	_, err = entities.CreateEntity(context.Background(), ingest.Entity{})
	require.ErrorIs(t, err, ingest.ErrEmptyEntityName)

	now := time.Unix(1700000000, 0).UTC()
	id := uuid.New()
	mock.ExpectQuery("INSERT INTO entities").
		WithArgs(id, "Acme, Inc.", "ACME INC", "organization", "ABC123", "", "", "VA", "", 0.0, 0).
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	got, err := entities.CreateEntity(context.Background(), ingest.Entity{
		ID:    id,
		Name:  "Acme, Inc.",
		UEI:   "ABC123",
		State: "VA",
	})
	require.NoError(t, err)
	require.Equal(t, "ACME INC", got.NormalizedName)
	require.Equal(t, now, got.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityStoreFindByUEINotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	entities, err := NewEntityStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM entities WHERE uei").
		WithArgs("NOPE").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err = entities.FindEntityByUEI(context.Background(), "NOPE")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = entities.FindEntityByUEI(context.Background(), "")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityStoreUpsertRelationship(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	entities, err := NewEntityStore(mock)
	require.NoError(t, err)

	rel := ingest.Relationship{
		SourceEntityID: uuid.New(),
		TargetEntityID: uuid.New(),
		Type:           ingest.RelationshipSubcontractsTo,
		Confidence:     1,
		Agency:         "DOD",
		Value:          5000,
	}
	mock.ExpectExec("ON CONFLICT \\(source_entity_id, target_entity_id, relationship_type\\) DO UPDATE").
		WithArgs(rel.SourceEntityID, rel.TargetEntityID, "subcontracts_to", 1.0, "DOD", 5000.0, []byte(`{}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, entities.UpsertRelationship(context.Background(), rel))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockerAcquireRelease(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	locker, err := NewLocker(mock, "vacuum:lock:")
	require.NoError(t, err)

	// Lease times are computed by the database, not the caller.
	mock.ExpectQuery("VALUES \\(\\$1, \\$2, now\\(\\), now\\(\\) \\+ \\$3 \\* interval '1 millisecond'\\)").
		WithArgs("vacuum:lock:run:quick", pgxmock.AnyArg(), time.Hour.Milliseconds()).
		WillReturnRows(pgxmock.NewRows([]string{"owner"}).AddRow("me"))
	lock, err := locker.Acquire(context.Background(), "run:quick", time.Hour)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE vacuum_locks SET expires_at = now\\(\\) \\+ \\$3").
		WithArgs("vacuum:lock:run:quick", pgxmock.AnyArg(), (2 * time.Hour).Milliseconds()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, lock.Extend(context.Background(), 2*time.Hour))

	mock.ExpectExec("DELETE FROM vacuum_locks").
		WithArgs("vacuum:lock:run:quick", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, lock.Release(context.Background()), ingest.ErrLockNotHeld)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockerAcquireHeld(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	locker, err := NewLocker(mock, "")
	require.NoError(t, err)

	mock.ExpectQuery("WHERE vacuum_locks.expires_at < now\\(\\)").
		WithArgs("run:full", pgxmock.AnyArg(), time.Minute.Milliseconds()).
		WillReturnRows(pgxmock.NewRows([]string{"owner"}))
	_, err = locker.Acquire(context.Background(), "run:full", time.Minute)
	require.ErrorIs(t, err, ingest.ErrLockHeld)

	_, err = locker.Acquire(context.Background(), "run:full", 0)
	require.Error(t, err)
}

func TestMigrateDSN(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pgx5://u:p@db:5432/vacuum", migrateDSN("postgres://u:p@db:5432/vacuum"))
	require.Equal(t, "pgx5://db/vacuum", migrateDSN("postgresql://db/vacuum"))
	require.Equal(t, "pgx5://db/vacuum", migrateDSN("pgx5://db/vacuum"))
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	up, err := migrationFiles.ReadFile("migrations/0001_init.up.sql")
	require.NoError(t, err)
	for _, table := range append([]string{"entities", "relationships", "vacuum_runs", "vacuum_locks"}, store.ResolvableTables...) {
		require.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	require.Contains(t, string(up), "relationship_resolved_at")

	_, err = migrationFiles.ReadFile("migrations/0001_init.down.sql")
	require.NoError(t, err)
}

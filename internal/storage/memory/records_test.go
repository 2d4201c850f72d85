package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func grant(id, name, uei string, amount float64) ingest.Record {
	return ingest.Record{
		Kind:          ingest.KindGrant,
		Key:           []ingest.Field{{Column: "award_id", Value: id}},
		RecipientName: name,
		RecipientUEI:  uei,
		Amount:        &amount,
	}
}

func TestUpsertOverwriteIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore(&stepClock{t: time.Unix(0, 0)})
	spec, _ := ingest.TableFor(ingest.KindGrant)

	res, err := s.Upsert(ctx, spec, grant("G1", "Acme", "", 10))
	require.NoError(t, err)
	require.Equal(t, ingest.UpsertInserted, res)

	res, err = s.Upsert(ctx, spec, grant("G1", "Acme Corp", "", 20))
	require.NoError(t, err)
	require.Equal(t, ingest.UpsertUpdated, res)

	rows := s.Rows("grants")
	require.Len(t, rows, 1)
	require.Equal(t, "Acme Corp", rows[0].Record.RecipientName)
	require.True(t, rows[0].UpdatedAt.After(rows[0].CreatedAt))
}

func TestUpsertIgnoreDuplicatesKeepsFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore(nil)
	spec, _ := ingest.TableFor(ingest.KindSBIRAward)
	rec := ingest.Record{
		Kind:          ingest.KindSBIRAward,
		Key:           []ingest.Field{{Column: "contract", Value: "C1"}, {Column: "agency", Value: "NASA"}},
		RecipientName: "First",
	}

	res, err := s.Upsert(ctx, spec, rec)
	require.NoError(t, err)
	require.Equal(t, ingest.UpsertInserted, res)

	rec.RecipientName = "Second"
	res, err = s.Upsert(ctx, spec, rec)
	require.NoError(t, err)
	require.Equal(t, ingest.UpsertSkipped, res)
	require.Equal(t, "First", s.Rows("sbir_awards")[0].Record.RecipientName)
}

func TestUpsertRejectsMissingKey(t *testing.T) {
	t.Parallel()

	spec, _ := ingest.TableFor(ingest.KindGrant)
	_, err := NewRecordStore(nil).Upsert(context.Background(), spec, grant("", "x", "", 1))
	var storageErr *ingest.StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "grants", storageErr.Table)
}

func TestLinkRecordsMatchesUEIOrName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore(nil)
	spec, _ := ingest.TableFor(ingest.KindGrant)
	for _, r := range []ingest.Record{
		grant("G1", "Acme Corp", "UEI1", 1),
		grant("G2", " acme corp ", "", 2),
		grant("G3", "Other", "UEI2", 3),
		grant("G4", "ACME CORP", "UEI3", 4),
	} {
		_, err := s.Upsert(ctx, spec, r)
		require.NoError(t, err)
	}

	unlinked, err := s.ListUnlinked(ctx, "grants", 2)
	require.NoError(t, err)
	require.Len(t, unlinked, 2)
	require.Equal(t, "Acme Corp", unlinked[0].Name)

	id := uuid.New()
	res, err := s.LinkRecords(ctx, "grants", id, "UEI1", []string{"ACME CORP"})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Rows)
	require.InDelta(t, 3.0, res.Amount, 0.001)

	// G4 shares the name but carries its own UEI.
	unlinked, err = s.ListUnlinked(ctx, "grants", 10)
	require.NoError(t, err)
	require.Len(t, unlinked, 2)
	require.Equal(t, "UEI2", unlinked[0].UEI)
	require.Equal(t, "UEI3", unlinked[1].UEI)
}

func TestListUnlinkedPutsAttemptedRowsLast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore(nil)
	spec, _ := ingest.TableFor(ingest.KindGrant)
	for _, r := range []ingest.Record{
		grant("G1", "***", "", 1),
		grant("G2", "Acme Labs", "", 2),
		grant("G3", "   ", "", 3),
	} {
		_, err := s.Upsert(ctx, spec, r)
		require.NoError(t, err)
	}

	unlinked, err := s.ListUnlinked(ctx, "grants", 1)
	require.NoError(t, err)
	require.Equal(t, "***", unlinked[0].Name)

	require.NoError(t, s.MarkUnresolved(ctx, "grants", "", []string{"***"}, time.Now()))
	unlinked, err = s.ListUnlinked(ctx, "grants", 10)
	require.NoError(t, err)
	require.Len(t, unlinked, 2, "blank names are never listed")
	require.Equal(t, "Acme Labs", unlinked[0].Name)
	require.Equal(t, "***", unlinked[1].Name)

	require.ErrorContains(t, s.MarkUnresolved(ctx, "labor_rates", "", nil, time.Now()), "not resolvable")
}

func TestEntitiesAndRelationships(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore(nil)

	_, err := s.CreateEntity(ctx, ingest.Entity{})
	require.ErrorIs(t, err, ingest.ErrEmptyEntityName)

	a, err := s.CreateEntity(ctx, ingest.Entity{Name: "Acme, Inc.", UEI: "UEI1"})
	require.NoError(t, err)
	require.Equal(t, "ACME INC", a.NormalizedName)
	_, err = s.CreateEntity(ctx, ingest.Entity{Name: "Acme dup", UEI: "UEI1"})
	require.Error(t, err)

	b, err := s.CreateEntity(ctx, ingest.Entity{Name: "Beta"})
	require.NoError(t, err)

	got, err := s.FindEntityByName(ctx, "BETA")
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)
	_, err = s.FindEntityByUEI(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.AddEntityTotals(ctx, a.ID, 100, 2))
	got, err = s.FindEntityByUEI(ctx, "UEI1")
	require.NoError(t, err)
	require.InDelta(t, 100.0, got.TotalValue, 0.001)
	require.Equal(t, 2, got.AwardCount)

	rel := ingest.Relationship{SourceEntityID: b.ID, TargetEntityID: a.ID, Type: ingest.RelationshipSubcontractsTo, Confidence: 0.8, Value: 5}
	require.NoError(t, s.UpsertRelationship(ctx, rel))
	rel.Confidence = 1
	require.NoError(t, s.UpsertRelationship(ctx, rel))
	edges := s.Relationships()
	require.Len(t, edges, 1)
	require.InDelta(t, 1.0, edges[0].Confidence, 0.001)
	require.InDelta(t, 10.0, edges[0].Value, 0.001)

	rel.TargetEntityID = b.ID
	require.Error(t, s.UpsertRelationship(ctx, rel))
}

func TestPendingSubawards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore(nil)
	spec, _ := ingest.TableFor(ingest.KindSubaward)
	_, err := s.Upsert(ctx, spec, ingest.Record{
		Kind:          ingest.KindSubaward,
		Key:           []ingest.Field{{Column: "subaward_id", Value: "S1"}, {Column: "prime_award_id", Value: "P1"}},
		RecipientName: "Sub",
		ParentName:    "Prime",
	})
	require.NoError(t, err)

	pending, err := s.ListPendingSubawards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "S1", pending[0].SubawardID)
	require.Equal(t, "Prime", pending[0].PrimeName)

	_, err = s.Upsert(ctx, spec, ingest.Record{
		Kind:          ingest.KindSubaward,
		Key:           []ingest.Field{{Column: "subaward_id", Value: "S2"}, {Column: "prime_award_id", Value: "P1"}},
		RecipientName: "Other Sub",
		ParentName:    "Prime",
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkSubawardAttempted(ctx, "S1", "P1", time.Now()))
	pending, err = s.ListPendingSubawards(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "S2", pending[0].SubawardID)

	require.NoError(t, s.MarkSubawardResolved(ctx, "S1", "P1", time.Now()))
	require.NoError(t, s.MarkSubawardResolved(ctx, "S2", "P1", time.Now()))
	pending, err = s.ListPendingSubawards(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRunStore()
	base := time.Unix(1700000000, 0).UTC()

	queued := store.Run{ID: uuid.New(), Mode: "quick", Status: store.RunPending, StartedAt: base}
	require.NoError(t, s.CreateRun(ctx, queued))
	require.NoError(t, s.CreateRun(ctx, store.Run{ID: queued.ID, Mode: "quick", Status: store.RunRunning, StartedAt: base.Add(time.Minute)}))

	got, err := s.GetRun(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, got.Status)

	got.Status = store.RunCompleted
	require.NoError(t, s.FinishRun(ctx, got))
	require.ErrorIs(t, s.FinishRun(ctx, store.Run{ID: uuid.New()}), store.ErrNotFound)

	older := store.Run{ID: uuid.New(), Mode: "full", Status: store.RunFailed, StartedAt: base.Add(-time.Hour)}
	require.NoError(t, s.CreateRun(ctx, older))

	all, err := s.ListRuns(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, queued.ID, all[0].ID)

	failed := store.RunFailed
	only, err := s.ListRuns(ctx, &failed, 10, 0)
	require.NoError(t, err)
	require.Len(t, only, 1)
	require.Equal(t, older.ID, only[0].ID)

	none, err := s.ListRuns(ctx, nil, 10, 5)
	require.NoError(t, err)
	require.Empty(t, none)
}

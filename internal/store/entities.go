package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

// ResolvableTables are the record tables carrying recipient_name,
// recipient_uei, and entity_id, in the order the resolver visits them.
var ResolvableTables = []string{"contracts", "grants", "sbir_awards", "nsf_awards", "sam_entities", "subawards"}

// LinkCandidate is an unlinked record as the resolver sees it.
type LinkCandidate struct {
	Table  string
	Name   string
	UEI    string
	State  string
	City   string
	Amount float64
}

// SubawardLink is a subaward whose prime/sub edge has not been derived yet.
type SubawardLink struct {
	SubawardID   string
	PrimeAwardID string
	SubName      string
	SubUEI       string
	PrimeName    string
	PrimeUEI     string
	Agency       string
	Amount       float64
}

// LinkResult is what one LinkRecords call claimed: the rows it updated and
// the sum of their amounts.
type LinkResult struct {
	Rows   int64
	Amount float64
}

// EntityRepository reads and writes the canonical entity graph.
type EntityRepository interface {
	// ListUnlinked returns up to limit rows of table with no entity_id. Rows
	// never attempted come first, then rows by oldest failed attempt.
	ListUnlinked(ctx context.Context, table string, limit int) ([]LinkCandidate, error)
	// FindEntityByUEI returns ErrNotFound when no entity carries uei.
	FindEntityByUEI(ctx context.Context, uei string) (ingest.Entity, error)
	// FindEntityByName matches the normalized name exactly.
	FindEntityByName(ctx context.Context, normalized string) (ingest.Entity, error)
	// CreateEntity inserts a new canonical entity. Name must be non-empty.
	CreateEntity(ctx context.Context, entity ingest.Entity) (ingest.Entity, error)
	// LinkRecords back-fills entity_id on every unlinked row of table whose
	// UEI equals uei, or which has no UEI and whose upper-cased, trimmed name
	// is in names.
	LinkRecords(ctx context.Context, table string, entityID uuid.UUID, uei string, names []string) (LinkResult, error)
	// MarkUnresolved stamps resolution_attempted_at on the rows LinkRecords
	// would have claimed, moving them behind untried rows.
	MarkUnresolved(ctx context.Context, table, uei string, names []string, at time.Time) error
	// AddEntityTotals folds newly linked award value into an entity.
	AddEntityTotals(ctx context.Context, entityID uuid.UUID, value float64, awards int) error
	// ListPendingSubawards returns subawards not yet turned into edges,
	// untried ones first.
	ListPendingSubawards(ctx context.Context, limit int) ([]SubawardLink, error)
	// UpsertRelationship writes at most one edge per (source, target, type).
	UpsertRelationship(ctx context.Context, rel ingest.Relationship) error
	// MarkSubawardResolved stamps relationship_resolved_at.
	MarkSubawardResolved(ctx context.Context, subawardID, primeAwardID string, at time.Time) error
	// MarkSubawardAttempted stamps relationship_attempted_at after a failure.
	MarkSubawardAttempted(ctx context.Context, subawardID, primeAwardID string, at time.Time) error
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

// EntityStore implements store.EntityRepository over the entities and
// relationships tables plus the resolvable record tables.
type EntityStore struct {
	db DB
}

// NewEntityStore wraps db.
func NewEntityStore(db DB) (*EntityStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EntityStore{db: db}, nil
}

func checkResolvable(table string) error {
	if !slices.Contains(store.ResolvableTables, table) {
		return fmt.Errorf("table %q is not resolvable", table)
	}
	return nil
}

// ListUnlinked returns up to limit unlinked rows that carry a name or UEI,
// untried rows first so a row that keeps failing cannot starve the table.
func (s *EntityStore) ListUnlinked(ctx context.Context, table string, limit int) ([]store.LinkCandidate, error) {
	if err := checkResolvable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT recipient_name, recipient_uei, state, city, COALESCE(amount, 0)
		FROM %s
		WHERE entity_id IS NULL AND (btrim(recipient_name) <> '' OR recipient_uei <> '')
		ORDER BY resolution_attempted_at NULLS FIRST, created_at
		LIMIT $1;
	`, table)
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked %s: %w", table, err)
	}
	defer rows.Close()

	var out []store.LinkCandidate
	for rows.Next() {
		c := store.LinkCandidate{Table: table}
		if err := rows.Scan(&c.Name, &c.UEI, &c.State, &c.City, &c.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return out, nil
}

const entityColumns = `id, name, normalized_name, type, uei, duns, ein, state, city,
	total_value, award_count, created_at, updated_at`

func scanEntity(row pgx.Row) (ingest.Entity, error) {
	var e ingest.Entity
	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.NormalizedName,
		&e.Type,
		&e.UEI,
		&e.DUNS,
		&e.EIN,
		&e.State,
		&e.City,
		&e.TotalValue,
		&e.AwardCount,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Entity{}, store.ErrNotFound
	}
	if err != nil {
		return ingest.Entity{}, fmt.Errorf("failed to scan entity: %w", err)
	}
	return e, nil
}

// FindEntityByUEI looks an entity up by UEI.
func (s *EntityStore) FindEntityByUEI(ctx context.Context, uei string) (ingest.Entity, error) {
	if uei == "" {
		return ingest.Entity{}, store.ErrNotFound
	}
	return scanEntity(s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE uei = $1 LIMIT 1`, uei))
}

// FindEntityByName returns the oldest entity with the normalized name.
func (s *EntityStore) FindEntityByName(ctx context.Context, normalized string) (ingest.Entity, error) {
	if normalized == "" {
		return ingest.Entity{}, store.ErrNotFound
	}
	return scanEntity(s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE normalized_name = $1 ORDER BY created_at LIMIT 1`, normalized))
}

// CreateEntity inserts entity and returns it with its timestamps.
func (s *EntityStore) CreateEntity(ctx context.Context, entity ingest.Entity) (ingest.Entity, error) {
	if entity.Name == "" {
		return ingest.Entity{}, ingest.ErrEmptyEntityName
	}
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if entity.Type == "" {
		entity.Type = ingest.EntityTypeOrganization
	}
	if entity.NormalizedName == "" {
		entity.NormalizedName = ingest.NormalizeName(entity.Name)
	}
	query := `
		INSERT INTO entities (id, name, normalized_name, type, uei, duns, ein, state, city,
			total_value, award_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING created_at, updated_at;
	`
	err := s.db.QueryRow(ctx, query,
		entity.ID,
		entity.Name,
		entity.NormalizedName,
		entity.Type,
		entity.UEI,
		entity.DUNS,
		entity.EIN,
		entity.State,
		entity.City,
		entity.TotalValue,
		entity.AwardCount,
	).Scan(&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return ingest.Entity{}, fmt.Errorf("failed to create entity %q: %w", entity.Name, err)
	}
	return entity, nil
}

// linkPredicate matches unlinked rows by UEI, or by name for rows without a
// UEI of their own. $2 is the UEI and $3 the upper-cased names.
const linkPredicate = `entity_id IS NULL
			AND (
				(recipient_uei <> '' AND recipient_uei = $2)
				OR (coalesce(recipient_uei, '') = '' AND upper(btrim(recipient_name)) = ANY($3))
			)`

// LinkRecords back-fills entity_id on matching unlinked rows and reports how
// many rows it claimed and their summed amount.
func (s *EntityStore) LinkRecords(
	ctx context.Context,
	table string,
	entityID uuid.UUID,
	uei string,
	names []string,
) (store.LinkResult, error) {
	if err := checkResolvable(table); err != nil {
		return store.LinkResult{}, err
	}
	if names == nil {
		names = []string{}
	}
	query := fmt.Sprintf(`
		WITH linked AS (
			UPDATE %s
			SET entity_id = $1
			WHERE %s
			RETURNING COALESCE(amount, 0) AS amount
		)
		SELECT count(*), COALESCE(sum(amount), 0)::float8 FROM linked;
	`, table, linkPredicate)
	var res store.LinkResult
	if err := s.db.QueryRow(ctx, query, entityID, uei, names).Scan(&res.Rows, &res.Amount); err != nil {
		return store.LinkResult{}, fmt.Errorf("failed to link %s: %w", table, err)
	}
	return res, nil
}

// MarkUnresolved stamps resolution_attempted_at on the rows a failed group
// would have linked.
func (s *EntityStore) MarkUnresolved(ctx context.Context, table, uei string, names []string, at time.Time) error {
	if err := checkResolvable(table); err != nil {
		return err
	}
	if names == nil {
		names = []string{}
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET resolution_attempted_at = $1
		WHERE %s;
	`, table, linkPredicate)
	if _, err := s.db.Exec(ctx, query, at, uei, names); err != nil {
		return fmt.Errorf("failed to mark %s unresolved: %w", table, err)
	}
	return nil
}

// AddEntityTotals increments an entity's value and award count.
func (s *EntityStore) AddEntityTotals(ctx context.Context, entityID uuid.UUID, value float64, awards int) error {
	query := `
		UPDATE entities
		SET total_value = total_value + $2, award_count = award_count + $3, updated_at = now()
		WHERE id = $1;
	`
	tag, err := s.db.Exec(ctx, query, entityID, value, awards)
	if err != nil {
		return fmt.Errorf("failed to update entity totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListPendingSubawards returns subawards without a derived edge, oldest first.
func (s *EntityStore) ListPendingSubawards(ctx context.Context, limit int) ([]store.SubawardLink, error) {
	query := `
		SELECT subaward_id, prime_award_id, recipient_name, recipient_uei,
			parent_name, parent_uei, agency, COALESCE(amount, 0)
		FROM subawards
		WHERE relationship_resolved_at IS NULL
		ORDER BY relationship_attempted_at NULLS FIRST, created_at
		LIMIT $1;
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subawards: %w", err)
	}
	defer rows.Close()

	var out []store.SubawardLink
	for rows.Next() {
		var l store.SubawardLink
		if err := rows.Scan(
			&l.SubawardID,
			&l.PrimeAwardID,
			&l.SubName,
			&l.SubUEI,
			&l.PrimeName,
			&l.PrimeUEI,
			&l.Agency,
			&l.Amount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subaward: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subawards: %w", err)
	}
	return out, nil
}

// UpsertRelationship writes or strengthens the edge. Value accumulates across
// subawards; confidence keeps the best match seen.
func (s *EntityStore) UpsertRelationship(ctx context.Context, rel ingest.Relationship) error {
	meta := rel.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal relationship metadata: %w", err)
	}
	query := `
		INSERT INTO relationships (source_entity_id, target_entity_id, relationship_type,
			confidence, agency, value, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (source_entity_id, target_entity_id, relationship_type) DO UPDATE
		SET confidence = GREATEST(relationships.confidence, EXCLUDED.confidence),
			agency = EXCLUDED.agency,
			value = relationships.value + EXCLUDED.value,
			metadata = EXCLUDED.metadata,
			updated_at = now();
	`
	_, err = s.db.Exec(ctx, query,
		rel.SourceEntityID,
		rel.TargetEntityID,
		rel.Type,
		rel.Confidence,
		rel.Agency,
		rel.Value,
		raw,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert relationship: %w", err)
	}
	return nil
}

// MarkSubawardResolved stamps relationship_resolved_at on one subaward.
func (s *EntityStore) MarkSubawardResolved(ctx context.Context, subawardID, primeAwardID string, at time.Time) error {
	query := `
		UPDATE subawards
		SET relationship_resolved_at = $3
		WHERE subaward_id = $1 AND prime_award_id = $2;
	`
	if _, err := s.db.Exec(ctx, query, subawardID, primeAwardID, at); err != nil {
		return fmt.Errorf("failed to mark subaward %s resolved: %w", subawardID, err)
	}
	return nil
}

// MarkSubawardAttempted stamps relationship_attempted_at so a failing subaward
// sorts behind untried ones.
func (s *EntityStore) MarkSubawardAttempted(ctx context.Context, subawardID, primeAwardID string, at time.Time) error {
	query := `
		UPDATE subawards
		SET relationship_attempted_at = $3
		WHERE subaward_id = $1 AND prime_award_id = $2;
	`
	if _, err := s.db.Exec(ctx, query, subawardID, primeAwardID, at); err != nil {
		return fmt.Errorf("failed to mark subaward %s attempted: %w", subawardID, err)
	}
	return nil
}

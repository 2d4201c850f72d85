package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

// Row is one stored record with its bookkeeping columns.
type Row struct {
	Record     ingest.Record
	EntityID   uuid.UUID
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time

	// AttemptedAt and EdgeAttemptedAt record the last failed entity and
	// relationship resolution.
	AttemptedAt     *time.Time
	EdgeAttemptedAt *time.Time

	seq int
}

// untriedFirst orders rows with no attempt first, then by oldest attempt,
// keeping insertion order within each.
func untriedFirst(rows []Row, attempted func(Row) *time.Time) {
	slices.SortStableFunc(rows, func(a, b Row) int {
		ta, tb := attempted(a), attempted(b)
		switch {
		case ta == nil && tb == nil:
			return 0
		case ta == nil:
			return -1
		case tb == nil:
			return 1
		}
		return ta.Compare(*tb)
	})
}

type edgeKey struct {
	source, target uuid.UUID
	kind           string
}

// RecordStore is an in-memory upsert sink and entity repository sharing one
// set of tables, mirroring the Postgres schema closely enough for tests.
type RecordStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	seq      int
	tables   map[string]map[string]*Row
	entities map[uuid.UUID]ingest.Entity
	order    []uuid.UUID
	edges    map[edgeKey]ingest.Relationship
}

// NewRecordStore builds an empty store. A nil clock uses the wall clock.
func NewRecordStore(clock ingest.Clock) *RecordStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &RecordStore{
		now:      now,
		tables:   make(map[string]map[string]*Row),
		entities: make(map[uuid.UUID]ingest.Entity),
		edges:    make(map[edgeKey]ingest.Relationship),
	}
}

func keyOf(spec ingest.TableSpec, rec ingest.Record) (string, error) {
	values := make(map[string]any, len(rec.Key))
	for _, f := range rec.Key {
		values[f.Column] = f.Value
	}
	parts := make([]string, 0, len(spec.ConflictColumns))
	for _, c := range spec.ConflictColumns {
		v, ok := values[c]
		if !ok {
			return "", fmt.Errorf("record has no value for conflict column %s", c)
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, "\x00"), nil
}

// Upsert implements ingest.RecordSink.
func (s *RecordStore) Upsert(_ context.Context, spec ingest.TableSpec, rec ingest.Record) (ingest.UpsertResult, error) {
	if err := rec.ValidateKey(); err != nil {
		return "", &ingest.StorageError{Table: spec.Table, Key: rec.KeyString(), Err: err}
	}
	key, err := keyOf(spec, rec)
	if err != nil {
		return "", &ingest.StorageError{Table: spec.Table, Key: rec.KeyString(), Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[spec.Table]
	if !ok {
		table = make(map[string]*Row)
		s.tables[spec.Table] = table
	}
	now := s.now()
	if row, exists := table[key]; exists {
		if spec.IgnoreDuplicates {
			return ingest.UpsertSkipped, nil
		}
		row.Record = rec
		row.UpdatedAt = now
		return ingest.UpsertUpdated, nil
	}
	s.seq++
	table[key] = &Row{Record: rec, CreatedAt: now, UpdatedAt: now, seq: s.seq}
	return ingest.UpsertInserted, nil
}

// Rows returns copies of the rows in table in insertion order.
func (s *RecordStore) Rows(table string) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(table, func(*Row) bool { return true })
}

// Count returns the number of rows in table.
func (s *RecordStore) Count(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

func (s *RecordStore) sortedLocked(table string, keep func(*Row) bool) []Row {
	rows := make([]*Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		if keep(r) {
			rows = append(rows, r)
		}
	}
	slices.SortFunc(rows, func(a, b *Row) int { return a.seq - b.seq })
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out
}

func linkName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// ListUnlinked implements store.EntityRepository.
func (s *RecordStore) ListUnlinked(_ context.Context, table string, limit int) ([]store.LinkCandidate, error) {
	if !slices.Contains(store.ResolvableTables, table) {
		return nil, fmt.Errorf("table %q is not resolvable", table)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.sortedLocked(table, func(r *Row) bool {
		return r.EntityID == uuid.Nil && (strings.TrimSpace(r.Record.RecipientName) != "" || r.Record.RecipientUEI != "")
	})
	untriedFirst(rows, func(r Row) *time.Time { return r.AttemptedAt })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]store.LinkCandidate, 0, len(rows))
	for _, r := range rows {
		c := store.LinkCandidate{
			Table: table,
			Name:  r.Record.RecipientName,
			UEI:   r.Record.RecipientUEI,
			State: r.Record.State,
			City:  r.Record.City,
		}
		if r.Record.Amount != nil {
			c.Amount = *r.Record.Amount
		}
		out = append(out, c)
	}
	return out, nil
}

// FindEntityByUEI implements store.EntityRepository.
func (s *RecordStore) FindEntityByUEI(_ context.Context, uei string) (ingest.Entity, error) {
	return s.findEntity(func(e ingest.Entity) bool { return uei != "" && e.UEI == uei })
}

// FindEntityByName implements store.EntityRepository.
func (s *RecordStore) FindEntityByName(_ context.Context, normalized string) (ingest.Entity, error) {
	return s.findEntity(func(e ingest.Entity) bool { return normalized != "" && e.NormalizedName == normalized })
}

func (s *RecordStore) findEntity(match func(ingest.Entity) bool) (ingest.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if e := s.entities[id]; match(e) {
			return e, nil
		}
	}
	return ingest.Entity{}, store.ErrNotFound
}

// CreateEntity implements store.EntityRepository.
func (s *RecordStore) CreateEntity(_ context.Context, entity ingest.Entity) (ingest.Entity, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entities[entity.ID]; dup {
		return ingest.Entity{}, fmt.Errorf("entity %s already exists", entity.ID)
	}
	if entity.UEI != "" {
		for _, e := range s.entities {
			if e.UEI == entity.UEI {
				return ingest.Entity{}, fmt.Errorf("entity with uei %s already exists", entity.UEI)
			}
		}
	}
	now := s.now()
	entity.CreatedAt = now
	entity.UpdatedAt = now
	s.entities[entity.ID] = entity
	s.order = append(s.order, entity.ID)
	return entity, nil
}

// Entities returns every entity in creation order.
func (s *RecordStore) Entities() []ingest.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Entity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entities[id])
	}
	return out
}

// LinkRecords implements store.EntityRepository.
func (s *RecordStore) LinkRecords(
	_ context.Context,
	table string,
	entityID uuid.UUID,
	uei string,
	names []string,
) (store.LinkResult, error) {
	if !slices.Contains(store.ResolvableTables, table) {
		return store.LinkResult{}, fmt.Errorf("table %q is not resolvable", table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.LinkResult
	for _, r := range s.tables[table] {
		if !claims(r, uei, names) {
			continue
		}
		r.EntityID = entityID
		res.Rows++
		if r.Record.Amount != nil {
			res.Amount += *r.Record.Amount
		}
	}
	return res, nil
}

// claims mirrors the LinkRecords predicate: unlinked, and either the same UEI
// or no UEI and a listed name.
func claims(r *Row, uei string, names []string) bool {
	if r.EntityID != uuid.Nil {
		return false
	}
	byUEI := uei != "" && r.Record.RecipientUEI == uei
	byName := r.Record.RecipientUEI == "" && slices.Contains(names, linkName(r.Record.RecipientName))
	return byUEI || byName
}

// MarkUnresolved implements store.EntityRepository.
func (s *RecordStore) MarkUnresolved(_ context.Context, table, uei string, names []string, at time.Time) error {
	if !slices.Contains(store.ResolvableTables, table) {
		return fmt.Errorf("table %q is not resolvable", table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tables[table] {
		if claims(r, uei, names) {
			ts := at
			r.AttemptedAt = &ts
		}
	}
	return nil
}

// AddEntityTotals implements store.EntityRepository.
func (s *RecordStore) AddEntityTotals(_ context.Context, entityID uuid.UUID, value float64, awards int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return store.ErrNotFound
	}
	e.TotalValue += value
	e.AwardCount += awards
	e.UpdatedAt = s.now()
	s.entities[entityID] = e
	return nil
}

func subawardIDs(rec ingest.Record) (string, string) {
	var sub, prime string
	for _, f := range rec.Key {
		switch f.Column {
		case "subaward_id":
			sub = fmt.Sprint(f.Value)
		case "prime_award_id":
			prime = fmt.Sprint(f.Value)
		}
	}
	return sub, prime
}

// ListPendingSubawards implements store.EntityRepository.
func (s *RecordStore) ListPendingSubawards(_ context.Context, limit int) ([]store.SubawardLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.sortedLocked("subawards", func(r *Row) bool { return r.ResolvedAt == nil })
	untriedFirst(rows, func(r Row) *time.Time { return r.EdgeAttemptedAt })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]store.SubawardLink, 0, len(rows))
	for _, r := range rows {
		sub, prime := subawardIDs(r.Record)
		l := store.SubawardLink{
			SubawardID:   sub,
			PrimeAwardID: prime,
			SubName:      r.Record.RecipientName,
			SubUEI:       r.Record.RecipientUEI,
			PrimeName:    r.Record.ParentName,
			PrimeUEI:     r.Record.ParentUEI,
			Agency:       r.Record.Agency,
		}
		if r.Record.Amount != nil {
			l.Amount = *r.Record.Amount
		}
		out = append(out, l)
	}
	return out, nil
}

// UpsertRelationship implements store.EntityRepository.
func (s *RecordStore) UpsertRelationship(_ context.Context, rel ingest.Relationship) error {
	if rel.SourceEntityID == rel.TargetEntityID {
		return fmt.Errorf("relationship source and target are the same entity")
	}
	k := edgeKey{source: rel.SourceEntityID, target: rel.TargetEntityID, kind: rel.Type}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.edges[k]; ok {
		rel.Confidence = max(prev.Confidence, rel.Confidence)
		rel.Value += prev.Value
	}
	s.edges[k] = rel
	return nil
}

// Relationships returns every edge.
func (s *RecordStore) Relationships() []ingest.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Relationship, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e)
	}
	return out
}

// MarkSubawardResolved implements store.EntityRepository.
func (s *RecordStore) MarkSubawardResolved(_ context.Context, subawardID, primeAwardID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tables["subawards"] {
		sub, prime := subawardIDs(r.Record)
		if sub == subawardID && prime == primeAwardID {
			ts := at
			r.ResolvedAt = &ts
		}
	}
	return nil
}

// MarkSubawardAttempted implements store.EntityRepository.
func (s *RecordStore) MarkSubawardAttempted(_ context.Context, subawardID, primeAwardID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tables["subawards"] {
		sub, prime := subawardIDs(r.Record)
		if sub == subawardID && prime == primeAwardID {
			ts := at
			r.EdgeAttemptedAt = &ts
		}
	}
	return nil
}

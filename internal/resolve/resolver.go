// Package resolve links raw award rows to canonical entities and derives the
// subcontracting edges between them.
//
// A pass works in bounded batches. Each table contributes up to BatchSize
// unlinked rows; rows are grouped by UEI (or by normalized name when the UEI
// is missing) and every group resolves to exactly one entity: an existing one
// with the same UEI, else one with the same normalized name, else a new one.
// The entity ID is then back-filled on every unlinked row sharing the UEI or
// the name, and the entity's totals grow by exactly the rows that link
// claimed. Rows whose group fails are stamped as attempted so the next pass
// reaches the rows behind them.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
	"github.com/JakeFAU/baseddata-vacuum/internal/telemetry"
)

const (
	defaultBatchSize = 200

	confidenceByUEI  = 1.0
	confidenceByName = 0.8
)

// How an entity was found.
const (
	matchUEI     = "uei"
	matchName    = "name"
	matchCreated = "created"
)

// Options bound one pass.
type Options struct {
	BatchSize int
	// Tables defaults to store.ResolvableTables.
	Tables            []string
	SkipRelationships bool
}

// Resolver runs resolution passes against an EntityRepository.
type Resolver struct {
	repo   store.EntityRepository
	clock  ingest.Clock
	ids    ingest.IDGenerator
	logger *zap.Logger
}

// New builds a Resolver.
func New(repo store.EntityRepository, clock ingest.Clock, ids ingest.IDGenerator, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{repo: repo, clock: clock, ids: ids, logger: logger.Named("resolve")}
}

// Run executes one pass. Failures for individual names or subawards are
// counted in the summary and skipped; only cancellation returns an error.
func (r *Resolver) Run(ctx context.Context, opts Options) (store.ResolutionSummary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	tables := opts.Tables
	if len(tables) == 0 {
		tables = store.ResolvableTables
	}

	ctx, span := telemetry.Tracer().Start(ctx, "resolve")
	defer span.End()

	p := &pass{
		Resolver: r,
		cache:    make(map[string]ingest.Entity),
		errs:     ingest.NewErrorCollector(0),
	}
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return p.finish(), err
		}
		p.linkTable(ctx, table, opts.BatchSize)
	}
	if !opts.SkipRelationships {
		if err := ctx.Err(); err != nil {
			return p.finish(), err
		}
		p.linkSubawards(ctx, opts.BatchSize)
	}

	summary := p.finish()
	r.logger.Info("resolution pass finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("matched_by_uei", summary.MatchedByUEI),
		zap.Int("matched_by_name", summary.MatchedByName),
		zap.Int("created", summary.Created),
		zap.Int64("linked", summary.Linked),
		zap.Int("relationships", summary.Relationships),
		zap.Int("errors", summary.ErrorCount),
	)
	return summary, ctx.Err()
}

// pass holds the state of one Run. The cache guarantees a UEI or normalized
// name seen twice in a pass maps to the same entity even before the store
// reflects the first write.
type pass struct {
	*Resolver
	cache   map[string]ingest.Entity
	errs    *ingest.ErrorCollector
	summary store.ResolutionSummary
}

func (p *pass) finish() store.ResolutionSummary {
	p.summary.ErrorCount = p.errs.Count()
	p.summary.Errors = p.errs.Messages()
	return p.summary
}

// group is the set of batch rows that must resolve to one entity.
type group struct {
	name  string
	uei   string
	state string
	city  string
	names []string
}

func groupCandidates(cands []store.LinkCandidate) []*group {
	index := make(map[string]*group)
	var out []*group
	for _, c := range cands {
		uei := ingest.NormalizeUEI(c.UEI)
		key := "uei:" + uei
		if uei == "" {
			key = "name:" + ingest.NormalizeName(c.Name)
		}
		g, ok := index[key]
		if !ok {
			g = &group{uei: uei}
			index[key] = g
			out = append(out, g)
		}
		if g.name == "" && strings.TrimSpace(c.Name) != "" {
			g.name = strings.TrimSpace(c.Name)
			g.state, g.city = c.State, c.City
		}
		if ln := linkName(c.Name); ln != "" && !slices.Contains(g.names, ln) {
			g.names = append(g.names, ln)
		}
	}
	return out
}

func (p *pass) linkTable(ctx context.Context, table string, batch int) {
	cands, err := p.repo.ListUnlinked(ctx, table, batch)
	if err != nil {
		p.errs.Addf("list unlinked %s: %v", table, err)
		return
	}
	p.summary.Scanned += len(cands)

	for _, g := range groupCandidates(cands) {
		if ctx.Err() != nil {
			return
		}
		entity, err := p.resolve(ctx, g.name, g.uei, g.state, g.city)
		if err != nil {
			p.errs.Addf("resolve %s %q: %v", table, label(g.name, g.uei), err)
			telemetry.ObserveResolution("error")
			p.markUnresolved(ctx, table, g)
			continue
		}
		linked, err := p.repo.LinkRecords(ctx, table, entity.ID, g.uei, g.names)
		if err != nil {
			p.errs.Addf("link %s to %s: %v", table, entity.ID, err)
			p.markUnresolved(ctx, table, g)
			continue
		}
		p.summary.Linked += linked.Rows
		if table == "sam_entities" || linked.Rows == 0 {
			continue
		}
		if err := p.repo.AddEntityTotals(ctx, entity.ID, linked.Amount, int(linked.Rows)); err != nil {
			p.errs.Addf("update totals for %s: %v", entity.ID, err)
		}
	}
}

func (p *pass) markUnresolved(ctx context.Context, table string, g *group) {
	if err := p.repo.MarkUnresolved(ctx, table, g.uei, g.names, p.clock.Now()); err != nil {
		p.errs.Addf("mark %s %q attempted: %v", table, label(g.name, g.uei), err)
	}
}

// resolve finds or creates the entity for a name/UEI pair.
func (p *pass) resolve(ctx context.Context, name, uei, state, city string) (ingest.Entity, error) {
	uei = ingest.NormalizeUEI(uei)
	normalized := ingest.NormalizeName(name)

	if uei != "" {
		if e, ok := p.cache["uei:"+uei]; ok {
			p.count(matchUEI)
			return e, nil
		}
		e, err := p.repo.FindEntityByUEI(ctx, uei)
		switch {
		case err == nil:
			p.remember(e, uei)
			p.count(matchUEI)
			return e, nil
		case !errors.Is(err, store.ErrNotFound):
			return ingest.Entity{}, fmt.Errorf("find by uei: %w", err)
		}
	}

	if normalized != "" {
		e, ok := p.cache["name:"+normalized]
		if !ok {
			found, err := p.repo.FindEntityByName(ctx, normalized)
			switch {
			case err == nil:
				e, ok = found, true
			case !errors.Is(err, store.ErrNotFound):
				return ingest.Entity{}, fmt.Errorf("find by name: %w", err)
			}
		}
		// A name match never merges two organizations with different UEIs.
		if ok && (uei == "" || e.UEI == "" || e.UEI == uei) {
			p.remember(e, uei)
			p.count(matchName)
			return e, nil
		}
	}

	if name = strings.TrimSpace(name); name == "" {
		name = uei
		normalized = uei
	}
	if normalized == "" {
		return ingest.Entity{}, fmt.Errorf("recipient name %q has no usable characters", name)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return ingest.Entity{}, err
	}
	e, err := p.repo.CreateEntity(ctx, ingest.Entity{
		ID:             id,
		Name:           name,
		NormalizedName: normalized,
		Type:           ingest.EntityTypeOrganization,
		UEI:            uei,
		State:          state,
		City:           city,
	})
	if err != nil {
		return ingest.Entity{}, fmt.Errorf("create entity: %w", err)
	}
	p.remember(e, uei)
	p.count(matchCreated)
	return e, nil
}

func (p *pass) remember(e ingest.Entity, uei string) {
	if uei != "" {
		p.cache["uei:"+uei] = e
	}
	if e.UEI != "" {
		p.cache["uei:"+e.UEI] = e
	}
	if e.NormalizedName != "" {
		p.cache["name:"+e.NormalizedName] = e
	}
}

func (p *pass) count(how string) {
	switch how {
	case matchUEI:
		p.summary.MatchedByUEI++
	case matchName:
		p.summary.MatchedByName++
	case matchCreated:
		p.summary.Created++
	}
	telemetry.ObserveResolution(how)
}

// linkSubawards turns pending subawards into subcontracts_to edges from the
// sub-awardee to the prime recipient.
func (p *pass) linkSubawards(ctx context.Context, batch int) {
	subs, err := p.repo.ListPendingSubawards(ctx, batch)
	if err != nil {
		p.errs.Addf("list pending subawards: %v", err)
		return
	}
	p.summary.SubawardsScanned = len(subs)

	for _, s := range subs {
		if ctx.Err() != nil {
			return
		}
		ref := s.SubawardID + "/" + s.PrimeAwardID
		sub, err := p.resolve(ctx, s.SubName, s.SubUEI, "", "")
		if err != nil {
			p.errs.Addf("subaward %s: resolve sub-awardee %q: %v", ref, label(s.SubName, s.SubUEI), err)
			p.markSubawardAttempted(ctx, s, ref)
			continue
		}
		prime, err := p.resolve(ctx, s.PrimeName, s.PrimeUEI, "", "")
		if err != nil {
			p.errs.Addf("subaward %s: resolve prime %q: %v", ref, label(s.PrimeName, s.PrimeUEI), err)
			p.markSubawardAttempted(ctx, s, ref)
			continue
		}

		if sub.ID != prime.ID {
			if err := p.upsertEdge(ctx, s, sub.ID, prime.ID); err != nil {
				p.errs.Addf("subaward %s: upsert relationship: %v", ref, err)
				p.markSubawardAttempted(ctx, s, ref)
				continue
			}
		}
		if err := p.repo.MarkSubawardResolved(ctx, s.SubawardID, s.PrimeAwardID, p.clock.Now()); err != nil {
			p.errs.Addf("subaward %s: mark resolved: %v", ref, err)
		}
	}
}

func (p *pass) markSubawardAttempted(ctx context.Context, s store.SubawardLink, ref string) {
	if err := p.repo.MarkSubawardAttempted(ctx, s.SubawardID, s.PrimeAwardID, p.clock.Now()); err != nil {
		p.errs.Addf("subaward %s: mark attempted: %v", ref, err)
	}
}

func (p *pass) upsertEdge(ctx context.Context, s store.SubawardLink, sub, prime uuid.UUID) error {
	confidence := confidenceByName
	if ingest.NormalizeUEI(s.SubUEI) != "" && ingest.NormalizeUEI(s.PrimeUEI) != "" {
		confidence = confidenceByUEI
	}
	err := p.repo.UpsertRelationship(ctx, ingest.Relationship{
		SourceEntityID: sub,
		TargetEntityID: prime,
		Type:           ingest.RelationshipSubcontractsTo,
		Confidence:     confidence,
		Agency:         s.Agency,
		Value:          s.Amount,
		Metadata: map[string]any{
			"subaward_id":    s.SubawardID,
			"prime_award_id": s.PrimeAwardID,
		},
	})
	if err != nil {
		return err
	}
	p.summary.Relationships++
	telemetry.ObserveRelationship()
	return nil
}

func linkName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func label(name, uei string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return uei
}

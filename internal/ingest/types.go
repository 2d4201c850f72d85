package ingest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the shape of a normalized record and the table it lands in.
type Kind string

// Record kinds emitted by the source adapters.
const (
	KindContract    Kind = "contract"
	KindGrant       Kind = "grant"
	KindOpportunity Kind = "opportunity"
	KindSBIRAward   Kind = "sbir_award"
	KindNSFAward    Kind = "nsf_award"
	KindSAMEntity   Kind = "sam_entity"
	KindExclusion   Kind = "exclusion"
	KindSubaward    Kind = "subaward"
	KindLaborRate   Kind = "labor_rate"
)

// Field is a single column/value pair.
type Field struct {
	Column string
	Value  any
}

// Record is the normalized shape every adapter produces. Missing upstream
// fields stay at their zero value.
type Record struct {
	Kind Kind
	// Key holds the natural key columns in conflict-target order.
	Key []Field

	Title         string
	Description   string
	Amount        *float64
	Agency        string
	SubAgency     string
	RecipientName string
	RecipientUEI  string
	ParentName    string
	ParentUEI     string
	State         string
	City          string
	StartDate     *time.Time
	EndDate       *time.Time
	Attributes    map[string]any
}

// KeyString renders the natural key for logs and error messages.
func (r Record) KeyString() string {
	parts := make([]string, 0, len(r.Key))
	for _, f := range r.Key {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Column, f.Value))
	}
	return strings.Join(parts, ",")
}

// ValidateKey reports whether every natural key column carries a value.
func (r Record) ValidateKey() error {
	if len(r.Key) == 0 {
		return fmt.Errorf("%s record has no natural key", r.Kind)
	}
	for _, f := range r.Key {
		if f.Value == nil {
			return fmt.Errorf("%s record missing key column %s", r.Kind, f.Column)
		}
		if s, ok := f.Value.(string); ok && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s record missing key column %s", r.Kind, f.Column)
		}
	}
	return nil
}

// Columns flattens the record into insertable columns: natural key first,
// then the shared attributes that are not already part of the key.
func (r Record) Columns() []Field {
	cols := make([]Field, 0, len(r.Key)+15)
	seen := make(map[string]struct{}, len(r.Key))
	for _, f := range r.Key {
		cols = append(cols, f)
		seen[f.Column] = struct{}{}
	}
	attrs := r.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	shared := []Field{
		{Column: "title", Value: r.Title},
		{Column: "description", Value: r.Description},
		{Column: "amount", Value: r.Amount},
		{Column: "agency", Value: r.Agency},
		{Column: "sub_agency", Value: r.SubAgency},
		{Column: "recipient_name", Value: r.RecipientName},
		{Column: "recipient_uei", Value: r.RecipientUEI},
		{Column: "parent_name", Value: r.ParentName},
		{Column: "parent_uei", Value: r.ParentUEI},
		{Column: "state", Value: r.State},
		{Column: "city", Value: r.City},
		{Column: "start_date", Value: r.StartDate},
		{Column: "end_date", Value: r.EndDate},
		{Column: "attributes", Value: attrs},
	}
	for _, f := range shared {
		if _, dup := seen[f.Column]; dup {
			continue
		}
		cols = append(cols, f)
	}
	return cols
}

// TableSpec binds a record kind to its destination table and conflict target.
type TableSpec struct {
	Table           string
	ConflictColumns []string
	// IgnoreDuplicates skips conflicting rows instead of overwriting them.
	IgnoreDuplicates bool
}

var tableSpecs = map[Kind]TableSpec{
	KindContract:    {Table: "contracts", ConflictColumns: []string{"award_id"}},
	KindGrant:       {Table: "grants", ConflictColumns: []string{"award_id"}},
	KindOpportunity: {Table: "opportunities", ConflictColumns: []string{"notice_id"}},
	KindSAMEntity:   {Table: "sam_entities", ConflictColumns: []string{"uei"}},
	KindExclusion:   {Table: "exclusions", ConflictColumns: []string{"name", "excluding_agency"}},
	KindSubaward:    {Table: "subawards", ConflictColumns: []string{"subaward_id", "prime_award_id"}},
	KindLaborRate:   {Table: "labor_rates", ConflictColumns: []string{"idv_piid", "labor_category"}},
	KindSBIRAward:   {Table: "sbir_awards", ConflictColumns: []string{"contract", "agency"}, IgnoreDuplicates: true},
	KindNSFAward:    {Table: "nsf_awards", ConflictColumns: []string{"award_id"}, IgnoreDuplicates: true},
}

// TableFor returns the table binding for a record kind.
func TableFor(kind Kind) (TableSpec, bool) {
	spec, ok := tableSpecs[kind]
	if !ok {
		return TableSpec{}, false
	}
	spec.ConflictColumns = append([]string(nil), spec.ConflictColumns...)
	return spec, true
}

// UpsertResult describes what a single upsert did.
type UpsertResult string

// Upsert outcomes.
const (
	UpsertInserted UpsertResult = "inserted"
	UpsertUpdated  UpsertResult = "updated"
	UpsertSkipped  UpsertResult = "skipped"
)

// Loaded reports whether the result counts towards a source's loaded total.
func (r UpsertResult) Loaded() bool {
	return r == UpsertInserted || r == UpsertUpdated
}

// EntityTypeOrganization is the only canonical entity type the pipeline creates.
const EntityTypeOrganization = "organization"

// Entity is a canonical, deduplicated organization.
type Entity struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	Type           string    `json:"type"`
	UEI            string    `json:"uei,omitempty"`
	DUNS           string    `json:"duns,omitempty"`
	EIN            string    `json:"ein,omitempty"`
	State          string    `json:"state,omitempty"`
	City           string    `json:"city,omitempty"`
	TotalValue     float64   `json:"total_value"`
	AwardCount     int       `json:"award_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RelationshipSubcontractsTo links a sub-awardee to its prime.
const RelationshipSubcontractsTo = "subcontracts_to"

// Relationship is a directed edge between two canonical entities. At most one
// edge exists per (source, target, type).
type Relationship struct {
	SourceEntityID uuid.UUID      `json:"source_entity_id"`
	TargetEntityID uuid.UUID      `json:"target_entity_id"`
	Type           string         `json:"relationship_type"`
	Confidence     float64        `json:"confidence"`
	Agency         string         `json:"agency,omitempty"`
	Value          float64        `json:"value"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RunRequest is the invocation body accepted by the orchestrator.
type RunRequest struct {
	RunID    uuid.UUID `json:"run_id,omitempty"`
	Mode     string    `json:"mode"`
	Trigger  string    `json:"trigger,omitempty"`
	Source   string    `json:"source,omitempty"`
	States   []string  `json:"states,omitempty"`
	Agencies []string  `json:"agencies,omitempty"`
	Years    []int     `json:"years,omitempty"`
	Keywords []string  `json:"keywords,omitempty"`
	MaxPages int       `json:"max_pages,omitempty"`
	Resolve  *bool     `json:"resolve,omitempty"`
}

// FetchRequest describes one outbound call made on behalf of a source.
type FetchRequest struct {
	Source string
	// Provider keys rate limiting; several sources share one provider.
	Provider string
	// Label names the partition, e.g. "agency=NASA year=2024".
	Label   string
	Page    int
	Method  string
	URL     string
	Query   url.Values
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// LimitKey returns the key the rate limiter buckets this request under.
func (r FetchRequest) LimitKey() string {
	if r.Provider != "" {
		return r.Provider
	}
	return r.Source
}

// FetchResponse is the successful result of a FetchRequest.
type FetchResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	ArchiveURI string
}

// QueueItem wraps a run waiting for a worker.
type QueueItem struct {
	Request   RunRequest
	Submitted time.Time
}

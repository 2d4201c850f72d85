// Package sources holds one adapter per upstream government API. An adapter
// knows how to partition its parameter space, build the request for a given
// page, and map the provider's JSON into ingest.Record values. Pagination,
// retries, and termination live in Paginate so adapters stay declarative.
package sources

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

// Source names, in the order a full run visits them.
const (
	Contracts     = "contracts"
	Grants        = "grants"
	Subawards     = "subawards"
	Opportunities = "opportunities"
	SAMEntities   = "sam_entities"
	Exclusions    = "exclusions"
	SBIR          = "sbir"
	NSF           = "nsf"
	CALC          = "calc"
)

// Order lists every source name in run order.
var Order = []string{Contracts, Grants, Subawards, Opportunities, SAMEntities, Exclusions, SBIR, NSF, CALC}

// Adapter translates one provider's pagination and schema.
type Adapter interface {
	Name() string
	// Provider keys configuration and rate limiting.
	Provider() string
	Kind() ingest.Kind
	RequiresKey() bool
	HasKey() bool
	// PageSize is the number of items a full page holds.
	PageSize() int
	// MaxPages is the provider ceiling; zero means unbounded.
	MaxPages() int
	Partitions(plan Plan) []Partition
	Request(p Partition, page int) (ingest.FetchRequest, error)
	Parse(body []byte) ([]ingest.Record, error)
}

// Endpoint carries per-provider connection settings.
type Endpoint struct {
	BaseURL  string
	APIKey   string
	PageSize int
	MaxPages int
	Timeout  time.Duration
}

func (e Endpoint) url(path string) string {
	return strings.TrimRight(e.BaseURL, "/") + path
}

func (e Endpoint) pageSize(def int) int {
	if e.PageSize > 0 {
		return e.PageSize
	}
	return def
}

func (e Endpoint) maxPages(def int) int {
	if e.MaxPages > 0 {
		return e.MaxPages
	}
	return def
}

// Plan is the slice of parameter space a run asks a source to cover.
// Dimensions a source does not partition on are ignored.
type Plan struct {
	States   []string
	Agencies []string
	Years    []int
	Keywords []string
	// Since and Until bound date-windowed searches.
	Since time.Time
	Until time.Time
}

// Partition is one independently paginated slice of a source.
type Partition struct {
	Label  string
	Params map[string]string
}

// Param returns a partition parameter or "".
func (p Partition) Param(key string) string {
	return p.Params[key]
}

// newPartition builds a partition from alternating key/value pairs; the label
// keeps the pairs in order.
func newPartition(kv ...string) Partition {
	p := Partition{Params: make(map[string]string, len(kv)/2)}
	labels := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		p.Params[kv[i]] = kv[i+1]
		labels = append(labels, kv[i]+"="+kv[i+1])
	}
	if len(labels) == 0 {
		p.Label = "all"
	} else {
		p.Label = strings.Join(labels, " ")
	}
	return p
}

func partitionsBy(key string, values []string, extra ...string) []Partition {
	if len(values) == 0 {
		return []Partition{newPartition(extra...)}
	}
	out := make([]Partition, 0, len(values))
	for _, v := range values {
		out = append(out, newPartition(append([]string{key, v}, extra...)...))
	}
	return out
}

// Registry indexes adapters by source name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry. Later adapters replace earlier ones with the
// same name.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return a, nil
}

// Names returns registered source names in run order, unknown extras last.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	seen := make(map[string]struct{}, len(r.adapters))
	for _, n := range Order {
		if _, ok := r.adapters[n]; ok {
			names = append(names, n)
			seen[n] = struct{}{}
		}
	}
	var extra []string
	for n := range r.adapters {
		if _, ok := seen[n]; !ok {
			extra = append(extra, n)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

// EndpointFunc resolves the endpoint for a provider.
type EndpointFunc func(provider string) Endpoint

// Provider names shared with configuration.
const (
	ProviderUSASpending = "usaspending"
	ProviderSAM         = "sam"
	ProviderSBIR        = "sbir"
	ProviderNSF         = "nsf"
	ProviderCALC        = "calc"
)

// NewDefaultRegistry wires every adapter against the configured endpoints.
func NewDefaultRegistry(endpoint EndpointFunc) *Registry {
	usa := endpoint(ProviderUSASpending)
	sam := endpoint(ProviderSAM)
	return NewRegistry(
		NewContracts(usa),
		NewGrants(usa),
		NewSubawards(usa),
		NewOpportunities(sam),
		NewSAMEntities(sam),
		NewExclusions(sam),
		NewSBIR(endpoint(ProviderSBIR)),
		NewNSF(endpoint(ProviderNSF)),
		NewCALC(endpoint(ProviderCALC)),
	)
}

package sources

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

const (
	calcRatesPath = "/acquisition/calc/v3/api/ceilingrates/"
	calcPageSize  = 100
	calcMaxPages  = 10
)

// LaborRates pages GSA CALC ceiling rates by labor-category keyword.
type LaborRates struct {
	ep Endpoint
}

// NewCALC builds the CALC adapter. The api.data.gov key is optional.
func NewCALC(ep Endpoint) *LaborRates {
	return &LaborRates{ep: ep}
}

func (c *LaborRates) Name() string      { return CALC }
func (c *LaborRates) Provider() string  { return ProviderCALC }
func (c *LaborRates) Kind() ingest.Kind { return ingest.KindLaborRate }
func (c *LaborRates) RequiresKey() bool { return false }
func (c *LaborRates) HasKey() bool      { return c.ep.APIKey != "" }
func (c *LaborRates) PageSize() int     { return c.ep.pageSize(calcPageSize) }
func (c *LaborRates) MaxPages() int     { return c.ep.maxPages(calcMaxPages) }

func (c *LaborRates) Partitions(plan Plan) []Partition {
	return partitionsBy("keyword", plan.Keywords)
}

// Request pages 1-based.
func (c *LaborRates) Request(p Partition, page int) (ingest.FetchRequest, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page+1))
	q.Set("page_size", strconv.Itoa(c.PageSize()))
	q.Set("ordering", "current_price")
	if kw := p.Param("keyword"); kw != "" {
		q.Set("keyword", kw)
	}
	if c.ep.APIKey != "" {
		q.Set("api_key", c.ep.APIKey)
	}
	return ingest.FetchRequest{
		Source:   CALC,
		Provider: ProviderCALC,
		Label:    p.Label,
		Page:     page,
		Method:   http.MethodGet,
		URL:      c.ep.url(calcRatesPath),
		Query:    q,
		Timeout:  c.ep.Timeout,
	}, nil
}

// Parse maps the Elasticsearch-style hits.hits[]._source envelope.
func (c *LaborRates) Parse(body []byte) ([]ingest.Record, error) {
	items, err := fields.items(body, "hits.hits[]._source")
	if err != nil {
		return nil, err
	}
	out := make([]ingest.Record, 0, len(items))
	for _, item := range items {
		category := fields.str(item, "labor_category")
		out = append(out, ingest.Record{
			Kind: ingest.KindLaborRate,
			Key: []ingest.Field{
				{Column: "idv_piid", Value: fields.str(item, "idv_piid", "contract_number")},
				{Column: "labor_category", Value: category},
			},
			Title:         category,
			Amount:        fields.amount(item, "current_price"),
			RecipientName: fields.str(item, "vendor_name"),
			State:         fields.str(item, "worksite_state"),
			StartDate:     fields.date(item, "contract_start"),
			EndDate:       fields.date(item, "contract_end"),
			Attributes: fields.attrs(item, map[string]string{
				"education_level":      "education_level",
				"min_years_experience": "min_years_experience",
				"schedule":             "schedule",
				"sin":                  "sin",
				"business_size":        "business_size",
				"worksite":             "worksite",
				"security_clearance":   "security_clearance",
				"next_year_price":      "next_year_price",
			}),
		})
	}
	return out, nil
}

package sources

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

const (
	usaSpendingSearchPath = "/api/v2/search/spending_by_award/"
	usaSpendingPageSize   = 100
	usaSpendingMaxPages   = 10
)

var (
	contractAwardCodes = []string{"A", "B", "C", "D"}
	grantAwardCodes    = []string{"02", "03", "04", "05"}
)

var primeAwardFields = []string{
	"Award ID", "generated_internal_id", "Recipient Name", "Recipient UEI",
	"Award Amount", "Description", "Awarding Agency", "Awarding Sub Agency",
	"Start Date", "End Date", "Place of Performance State Code",
	"Place of Performance City Code", "Contract Award Type", "CFDA Number",
}

var subawardFields = []string{
	"Sub-Award ID", "Sub-Awardee Name", "Sub-Recipient UEI", "Sub-Award Amount",
	"Sub-Award Date", "Sub-Award Description", "Prime Award ID",
	"Prime Recipient Name", "Prime Recipient UEI", "Awarding Agency",
	"Awarding Sub Agency", "Sub-Award Primary Place of Performance",
}

// AwardSearch pages through USASpending's spending_by_award search. The same
// endpoint serves contracts, grants, and subawards; the award type codes and
// the subawards flag pick which.
type AwardSearch struct {
	name      string
	kind      ingest.Kind
	codes     []string
	subawards bool
	ep        Endpoint
}

// NewContracts covers definitive contracts and purchase orders.
func NewContracts(ep Endpoint) *AwardSearch {
	return &AwardSearch{name: Contracts, kind: ingest.KindContract, codes: contractAwardCodes, ep: ep}
}

// NewGrants covers block, formula, project, and cooperative-agreement grants.
func NewGrants(ep Endpoint) *AwardSearch {
	return &AwardSearch{name: Grants, kind: ingest.KindGrant, codes: grantAwardCodes, ep: ep}
}

// NewSubawards covers sub-contracts reported under prime contracts.
func NewSubawards(ep Endpoint) *AwardSearch {
	return &AwardSearch{name: Subawards, kind: ingest.KindSubaward, codes: contractAwardCodes, subawards: true, ep: ep}
}

func (a *AwardSearch) Name() string      { return a.name }
func (a *AwardSearch) Provider() string  { return ProviderUSASpending }
func (a *AwardSearch) Kind() ingest.Kind { return a.kind }
func (a *AwardSearch) RequiresKey() bool { return false }
func (a *AwardSearch) HasKey() bool      { return true }
func (a *AwardSearch) PageSize() int     { return a.ep.pageSize(usaSpendingPageSize) }
func (a *AwardSearch) MaxPages() int     { return a.ep.maxPages(usaSpendingMaxPages) }

// Partitions splits by place-of-performance state. Years become a fiscal-year
// time window on every partition.
func (a *AwardSearch) Partitions(plan Plan) []Partition {
	var from, to string
	if len(plan.Years) > 0 {
		years := append([]int(nil), plan.Years...)
		sort.Ints(years)
		from = fmt.Sprintf("%d-10-01", years[0]-1)
		to = fmt.Sprintf("%d-09-30", years[len(years)-1])
	}
	return partitionsBy("state", plan.States, "from", from, "to", to)
}

type awardSearchBody struct {
	Filters   awardFilters `json:"filters"`
	Fields    []string     `json:"fields"`
	Page      int          `json:"page"`
	Limit     int          `json:"limit"`
	Sort      string       `json:"sort"`
	Order     string       `json:"order"`
	Subawards bool         `json:"subawards"`
}

type awardFilters struct {
	AwardTypeCodes []string       `json:"award_type_codes"`
	Locations      []placeFilter  `json:"place_of_performance_locations,omitempty"`
	TimePeriod     []periodFilter `json:"time_period,omitempty"`
}

type placeFilter struct {
	Country string `json:"country"`
	State   string `json:"state"`
}

type periodFilter struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Request builds the POST for a 0-based page; the API counts from 1.
func (a *AwardSearch) Request(p Partition, page int) (ingest.FetchRequest, error) {
	body := awardSearchBody{
		Filters:   awardFilters{AwardTypeCodes: a.codes},
		Fields:    primeAwardFields,
		Page:      page + 1,
		Limit:     a.PageSize(),
		Sort:      "Award Amount",
		Order:     "desc",
		Subawards: a.subawards,
	}
	if a.subawards {
		body.Fields = subawardFields
		body.Sort = "Sub-Award Amount"
	}
	if state := p.Param("state"); state != "" {
		body.Filters.Locations = []placeFilter{{Country: "USA", State: state}}
	}
	if from := p.Param("from"); from != "" {
		body.Filters.TimePeriod = []periodFilter{{StartDate: from, EndDate: p.Param("to")}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return ingest.FetchRequest{}, fmt.Errorf("encode %s search: %w", a.name, err)
	}
	return ingest.FetchRequest{
		Source:   a.name,
		Provider: ProviderUSASpending,
		Label:    p.Label,
		Page:     page,
		Method:   http.MethodPost,
		URL:      a.ep.url(usaSpendingSearchPath),
		Body:     payload,
		Timeout:  a.ep.Timeout,
	}, nil
}

// Parse maps results[] into records.
func (a *AwardSearch) Parse(body []byte) ([]ingest.Record, error) {
	items, err := fields.items(body, "results")
	if err != nil {
		return nil, err
	}
	out := make([]ingest.Record, 0, len(items))
	for _, item := range items {
		if a.subawards {
			out = append(out, a.subawardRecord(item))
		} else {
			out = append(out, a.primeRecord(item))
		}
	}
	return out, nil
}

func (a *AwardSearch) primeRecord(item map[string]any) ingest.Record {
	awardID := fields.str(item, `"Award ID"`, "generated_internal_id")
	return ingest.Record{
		Kind:          a.kind,
		Key:           []ingest.Field{{Column: "award_id", Value: awardID}},
		Title:         fields.str(item, "Description"),
		Description:   fields.str(item, "Description"),
		Amount:        fields.amount(item, `"Award Amount"`),
		Agency:        fields.str(item, `"Awarding Agency"`),
		SubAgency:     fields.str(item, `"Awarding Sub Agency"`),
		RecipientName: fields.str(item, `"Recipient Name"`),
		RecipientUEI:  ingest.NormalizeUEI(fields.str(item, `"Recipient UEI"`)),
		State:         fields.str(item, `"Place of Performance State Code"`),
		City:          fields.str(item, `"Place of Performance City Code"`),
		StartDate:     fields.date(item, `"Start Date"`),
		EndDate:       fields.date(item, `"End Date"`),
		Attributes: fields.attrs(item, map[string]string{
			"generated_internal_id": "generated_internal_id",
			"award_type":            `"Contract Award Type"`,
			"cfda_number":           `"CFDA Number"`,
		}),
	}
}

func (a *AwardSearch) subawardRecord(item map[string]any) ingest.Record {
	return ingest.Record{
		Kind: ingest.KindSubaward,
		Key: []ingest.Field{
			{Column: "subaward_id", Value: fields.str(item, `"Sub-Award ID"`)},
			{Column: "prime_award_id", Value: fields.str(item, `"Prime Award ID"`)},
		},
		Title:         fields.str(item, `"Sub-Award Description"`),
		Description:   fields.str(item, `"Sub-Award Description"`),
		Amount:        fields.amount(item, `"Sub-Award Amount"`),
		Agency:        fields.str(item, `"Awarding Agency"`),
		SubAgency:     fields.str(item, `"Awarding Sub Agency"`),
		RecipientName: fields.str(item, `"Sub-Awardee Name"`),
		RecipientUEI:  ingest.NormalizeUEI(fields.str(item, `"Sub-Recipient UEI"`)),
		ParentName:    fields.str(item, `"Prime Recipient Name"`),
		ParentUEI:     ingest.NormalizeUEI(fields.str(item, `"Prime Recipient UEI"`)),
		State:         fields.str(item, `"Sub-Award Primary Place of Performance".state_code`),
		City:          fields.str(item, `"Sub-Award Primary Place of Performance".city_name`),
		StartDate:     fields.date(item, `"Sub-Award Date"`),
		Attributes: fields.attrs(item, map[string]string{
			"internal_id": "internal_id",
		}),
	}
}

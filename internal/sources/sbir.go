package sources

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

const (
	sbirAwardsPath = "/public/api/awards"
	sbirPageSize   = 100
	sbirMaxPages   = 10
)

// SBIRAwards pages SBIR/STTR awards per agency and award year. The table is
// append-only: awards already stored are skipped, not overwritten.
type SBIRAwards struct {
	ep Endpoint
}

// NewSBIR builds the SBIR.gov adapter.
func NewSBIR(ep Endpoint) *SBIRAwards {
	return &SBIRAwards{ep: ep}
}

func (s *SBIRAwards) Name() string      { return SBIR }
func (s *SBIRAwards) Provider() string  { return ProviderSBIR }
func (s *SBIRAwards) Kind() ingest.Kind { return ingest.KindSBIRAward }
func (s *SBIRAwards) RequiresKey() bool { return false }
func (s *SBIRAwards) HasKey() bool      { return true }
func (s *SBIRAwards) PageSize() int     { return s.ep.pageSize(sbirPageSize) }
func (s *SBIRAwards) MaxPages() int     { return s.ep.maxPages(sbirMaxPages) }

// Partitions is the agency × year cross product.
func (s *SBIRAwards) Partitions(plan Plan) []Partition {
	agencies := plan.Agencies
	if len(agencies) == 0 {
		agencies = []string{""}
	}
	years := plan.Years
	if len(years) == 0 {
		years = []int{0}
	}
	out := make([]Partition, 0, len(agencies)*len(years))
	for _, agency := range agencies {
		for _, year := range years {
			y := ""
			if year > 0 {
				y = strconv.Itoa(year)
			}
			out = append(out, newPartition("agency", agency, "year", y))
		}
	}
	return out
}

// Request pages by start row.
func (s *SBIRAwards) Request(p Partition, page int) (ingest.FetchRequest, error) {
	size := s.PageSize()
	q := url.Values{}
	q.Set("start", strconv.Itoa(page*size))
	q.Set("rows", strconv.Itoa(size))
	if agency := p.Param("agency"); agency != "" {
		q.Set("agency", agency)
	}
	if year := p.Param("year"); year != "" {
		q.Set("year", year)
	}
	return ingest.FetchRequest{
		Source:   SBIR,
		Provider: ProviderSBIR,
		Label:    p.Label,
		Page:     page,
		Method:   http.MethodGet,
		URL:      s.ep.url(sbirAwardsPath),
		Query:    q,
		Timeout:  s.ep.Timeout,
	}, nil
}

// Parse maps the top-level award array.
func (s *SBIRAwards) Parse(body []byte) ([]ingest.Record, error) {
	items, err := fields.items(body, "@")
	if err != nil {
		return nil, err
	}
	out := make([]ingest.Record, 0, len(items))
	for _, item := range items {
		agency := fields.str(item, "agency")
		out = append(out, ingest.Record{
			Kind: ingest.KindSBIRAward,
			Key: []ingest.Field{
				{Column: "contract", Value: fields.str(item, "contract", "agency_tracking_number")},
				{Column: "agency", Value: agency},
			},
			Title:         fields.str(item, "award_title"),
			Description:   fields.str(item, "abstract"),
			Amount:        fields.amount(item, "award_amount"),
			Agency:        agency,
			SubAgency:     fields.str(item, "branch"),
			RecipientName: fields.str(item, "firm"),
			RecipientUEI:  ingest.NormalizeUEI(fields.str(item, "uei")),
			State:         fields.str(item, "state"),
			City:          fields.str(item, "city"),
			StartDate:     fields.date(item, "proposal_award_date"),
			EndDate:       fields.date(item, "contract_end_date"),
			Attributes: fields.attrs(item, map[string]string{
				"phase":         "phase",
				"program":       "program",
				"award_year":    "award_year",
				"duns":          "duns",
				"topic_code":    "topic_code",
				"keywords":      "research_area_keywords",
				"hubzone_owned": "hubzone_owned",
				"women_owned":   "women_owned",
				"company_url":   "company_url",
			}),
		})
	}
	return out, nil
}

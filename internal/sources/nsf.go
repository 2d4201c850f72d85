package sources

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

const (
	nsfAwardsPath = "/services/v1/awards.json"
	nsfPageSize   = 25
	// nsfMaxOffset is the largest 1-based offset the API serves.
	nsfMaxOffset = 3000
)

var nsfPrintFields = strings.Join([]string{
	"id", "title", "agency", "awardeeName", "ueiNumber", "fundsObligatedAmt",
	"estimatedTotalAmt", "startDate", "expDate", "awardeeStateCode",
	"awardeeCity", "abstractText", "piFirstName", "piLastName",
	"fundProgramName", "poName", "date",
}, ",")

// NSFAwards pages NSF research awards by keyword. Append-only like SBIR.
type NSFAwards struct {
	ep Endpoint
}

// NewNSF builds the NSF awards adapter.
func NewNSF(ep Endpoint) *NSFAwards {
	return &NSFAwards{ep: ep}
}

func (n *NSFAwards) Name() string      { return NSF }
func (n *NSFAwards) Provider() string  { return ProviderNSF }
func (n *NSFAwards) Kind() ingest.Kind { return ingest.KindNSFAward }
func (n *NSFAwards) RequiresKey() bool { return false }
func (n *NSFAwards) HasKey() bool      { return true }
func (n *NSFAwards) PageSize() int     { return n.ep.pageSize(nsfPageSize) }

// MaxPages stops before the offset passes nsfMaxOffset.
func (n *NSFAwards) MaxPages() int {
	ceiling := (nsfMaxOffset-1)/n.PageSize() + 1
	if n.ep.MaxPages > 0 && n.ep.MaxPages < ceiling {
		return n.ep.MaxPages
	}
	return ceiling
}

// Partitions splits by keyword; years narrow the award start date.
func (n *NSFAwards) Partitions(plan Plan) []Partition {
	var from, to string
	if len(plan.Years) > 0 {
		years := append([]int(nil), plan.Years...)
		sort.Ints(years)
		from = fmt.Sprintf("01/01/%d", years[0])
		to = fmt.Sprintf("12/31/%d", years[len(years)-1])
	}
	return partitionsBy("keyword", plan.Keywords, "from", from, "to", to)
}

// Request maps the 0-based page to the 1-based offset.
func (n *NSFAwards) Request(p Partition, page int) (ingest.FetchRequest, error) {
	size := n.PageSize()
	q := url.Values{}
	q.Set("offset", strconv.Itoa(page*size+1))
	q.Set("rpp", strconv.Itoa(size))
	q.Set("printFields", nsfPrintFields)
	if kw := p.Param("keyword"); kw != "" {
		q.Set("keyword", kw)
	}
	if from := p.Param("from"); from != "" {
		q.Set("startDateStart", from)
		q.Set("startDateEnd", p.Param("to"))
	}
	return ingest.FetchRequest{
		Source:   NSF,
		Provider: ProviderNSF,
		Label:    p.Label,
		Page:     page,
		Method:   http.MethodGet,
		URL:      n.ep.url(nsfAwardsPath),
		Query:    q,
		Timeout:  n.ep.Timeout,
	}, nil
}

// Parse maps response.award[].
func (n *NSFAwards) Parse(body []byte) ([]ingest.Record, error) {
	items, err := fields.items(body, "response.award")
	if err != nil {
		return nil, err
	}
	out := make([]ingest.Record, 0, len(items))
	for _, item := range items {
		pi := strings.TrimSpace(fields.str(item, "piFirstName") + " " + fields.str(item, "piLastName"))
		attrs := fields.attrs(item, map[string]string{
			"program":         "fundProgramName",
			"program_officer": "poName",
			"estimated_total": "estimatedTotalAmt",
		})
		if pi != "" {
			attrs["principal_investigator"] = pi
		}
		agency := fields.str(item, "agency")
		if agency == "" {
			agency = "NSF"
		}
		out = append(out, ingest.Record{
			Kind:          ingest.KindNSFAward,
			Key:           []ingest.Field{{Column: "award_id", Value: fields.str(item, "id")}},
			Title:         fields.str(item, "title"),
			Description:   fields.str(item, "abstractText"),
			Amount:        fields.amount(item, "fundsObligatedAmt", "estimatedTotalAmt"),
			Agency:        agency,
			RecipientName: fields.str(item, "awardeeName"),
			RecipientUEI:  ingest.NormalizeUEI(fields.str(item, "ueiNumber")),
			State:         fields.str(item, "awardeeStateCode"),
			City:          fields.str(item, "awardeeCity"),
			StartDate:     fields.date(item, "startDate", "date"),
			EndDate:       fields.date(item, "expDate"),
			Attributes:    attrs,
		})
	}
	return out, nil
}

package sources

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

const (
	samOpportunitiesPath = "/opportunities/v2/search"
	samEntitiesPath      = "/entity-information/v3/entities"
	samExclusionsPath    = "/entity-information/v4/exclusions"

	samOpportunityPageSize = 100
	samEntityPageSize      = 10
	samOpportunityMaxPages = 10
	samEntityMaxPages      = 20

	samDateLayout     = "01/02/2006"
	samDefaultWindow  = 30 * 24 * time.Hour
	samMaxPostedRange = 364 * 24 * time.Hour
)

// samBase carries what the three SAM.gov adapters share.
type samBase struct {
	ep Endpoint
}

func (s samBase) Provider() string  { return ProviderSAM }
func (s samBase) RequiresKey() bool { return true }
func (s samBase) HasKey() bool      { return s.ep.APIKey != "" }

func (s samBase) request(source, path string, p Partition, page int, q url.Values) (ingest.FetchRequest, error) {
	if s.ep.APIKey == "" {
		return ingest.FetchRequest{}, &ingest.ConfigurationError{Source: source, Setting: "SAM_API_KEY"}
	}
	q.Set("api_key", s.ep.APIKey)
	return ingest.FetchRequest{
		Source:   source,
		Provider: ProviderSAM,
		Label:    p.Label,
		Page:     page,
		Method:   http.MethodGet,
		URL:      s.ep.url(path),
		Query:    q,
		Timeout:  s.ep.Timeout,
	}, nil
}

// splitAgencyPath turns "DEPT OF DEFENSE.DEPT OF THE ARMY.W6QK ACC" into
// agency and sub-agency.
func splitAgencyPath(path string) (string, string) {
	parts := strings.Split(path, ".")
	agency := strings.TrimSpace(parts[0])
	if len(parts) < 2 {
		return agency, ""
	}
	return agency, strings.TrimSpace(parts[1])
}

// OpportunitySearch pages contract opportunities posted within the plan window.
type OpportunitySearch struct {
	samBase
}

// NewOpportunities builds the opportunities adapter.
func NewOpportunities(ep Endpoint) *OpportunitySearch {
	return &OpportunitySearch{samBase{ep: ep}}
}

func (o *OpportunitySearch) Name() string      { return Opportunities }
func (o *OpportunitySearch) Kind() ingest.Kind { return ingest.KindOpportunity }
func (o *OpportunitySearch) PageSize() int     { return o.ep.pageSize(samOpportunityPageSize) }
func (o *OpportunitySearch) MaxPages() int     { return o.ep.maxPages(samOpportunityMaxPages) }

// Partitions splits by title keyword. SAM rejects posted-date ranges longer
// than a year, so the window is clamped.
func (o *OpportunitySearch) Partitions(plan Plan) []Partition {
	until := plan.Until
	if until.IsZero() {
		until = time.Now().UTC()
	}
	since := plan.Since
	if since.IsZero() {
		since = until.Add(-samDefaultWindow)
	}
	if until.Sub(since) > samMaxPostedRange {
		since = until.Add(-samMaxPostedRange)
	}
	return partitionsBy("keyword", plan.Keywords,
		"from", since.Format(samDateLayout),
		"to", until.Format(samDateLayout),
	)
}

// Request pages by offset.
func (o *OpportunitySearch) Request(p Partition, page int) (ingest.FetchRequest, error) {
	size := o.PageSize()
	q := url.Values{}
	q.Set("limit", strconv.Itoa(size))
	q.Set("offset", strconv.Itoa(page*size))
	q.Set("postedFrom", p.Param("from"))
	q.Set("postedTo", p.Param("to"))
	if kw := p.Param("keyword"); kw != "" {
		q.Set("title", kw)
	}
	return o.request(o.Name(), samOpportunitiesPath, p, page, q)
}

// Parse maps opportunitiesData[].
func (o *OpportunitySearch) Parse(body []byte) ([]ingest.Record, error) {
	items, err := fields.items(body, "opportunitiesData")
	if err != nil {
		return nil, err
	}
	out := make([]ingest.Record, 0, len(items))
	for _, item := range items {
		agency, sub := splitAgencyPath(fields.str(item, "fullParentPathName", "department"))
		out = append(out, ingest.Record{
			Kind:          ingest.KindOpportunity,
			Key:           []ingest.Field{{Column: "notice_id", Value: fields.str(item, "noticeId")}},
			Title:         fields.str(item, "title"),
			Description:   fields.str(item, "description"),
			Amount:        fields.amount(item, "award.amount"),
			Agency:        agency,
			SubAgency:     sub,
			RecipientName: fields.str(item, "award.awardee.name"),
			RecipientUEI:  ingest.NormalizeUEI(fields.str(item, "award.awardee.ueiSAM")),
			State:         fields.str(item, "placeOfPerformance.state.code"),
			City:          fields.str(item, "placeOfPerformance.city.name"),
			StartDate:     fields.date(item, "postedDate"),
			EndDate:       fields.date(item, "responseDeadLine"),
			Attributes: fields.attrs(item, map[string]string{
				"solicitation_number": "solicitationNumber",
				"notice_type":         "type",
				"naics_code":          "naicsCode",
				"set_aside":           "typeOfSetAsideDescription",
				"ui_link":             "uiLink",
				"active":              "active",
			}),
		})
	}
	return out, nil
}

// EntitySearch pages active registrations by physical-address state.
type EntitySearch struct {
	samBase
}

// NewSAMEntities builds the entity registration adapter.
func NewSAMEntities(ep Endpoint) *EntitySearch {
	return &EntitySearch{samBase{ep: ep}}
}

func (e *EntitySearch) Name() string      { return SAMEntities }
func (e *EntitySearch) Kind() ingest.Kind { return ingest.KindSAMEntity }
func (e *EntitySearch) PageSize() int     { return e.ep.pageSize(samEntityPageSize) }
func (e *EntitySearch) MaxPages() int     { return e.ep.maxPages(samEntityMaxPages) }

func (e *EntitySearch) Partitions(plan Plan) []Partition {
	return partitionsBy("state", plan.States)
}

func (e *EntitySearch) Request(p Partition, page int) (ingest.FetchRequest, error) {
	q := url.Values{}
	q.Set("registrationStatus", "A")
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(e.PageSize()))
	if state := p.Param("state"); state != "" {
		q.Set("physicalAddressProvinceOrStateCode", state)
	}
	return e.request(e.Name(), samEntitiesPath, p, page, q)
}

// Parse maps entityData[].
func (e *EntitySearch) Parse(body []byte) ([]ingest.Record, error) {
	items, err := fields.items(body, "entityData")
	if err != nil {
		return nil, err
	}
	out := make([]ingest.Record, 0, len(items))
	for _, item := range items {
		uei := ingest.NormalizeUEI(fields.str(item, "entityRegistration.ueiSAM"))
		out = append(out, ingest.Record{
			Kind:          ingest.KindSAMEntity,
			Key:           []ingest.Field{{Column: "uei", Value: uei}},
			Title:         fields.str(item, "entityRegistration.legalBusinessName"),
			RecipientName: fields.str(item, "entityRegistration.legalBusinessName"),
			RecipientUEI:  uei,
			State:         fields.str(item, "coreData.physicalAddress.stateOrProvinceCode"),
			City:          fields.str(item, "coreData.physicalAddress.city"),
			StartDate:     fields.date(item, "entityRegistration.registrationDate"),
			EndDate:       fields.date(item, "entityRegistration.registrationExpirationDate"),
			Attributes: fields.attrs(item, map[string]string{
				"cage_code":     "entityRegistration.cageCode",
				"dba_name":      "entityRegistration.dbaName",
				"primary_naics": "assertions.goodsAndServices.primaryNaics",
				"entity_url":    "coreData.entityInformation.entityURL",
				"status":        "entityRegistration.registrationStatus",
			}),
		})
	}
	return out, nil
}

// ExclusionSearch pages debarment and suspension records by state.
type ExclusionSearch struct {
	samBase
}

// NewExclusions builds the exclusions adapter.
func NewExclusions(ep Endpoint) *ExclusionSearch {
	return &ExclusionSearch{samBase{ep: ep}}
}

func (x *ExclusionSearch) Name() string      { return Exclusions }
func (x *ExclusionSearch) Kind() ingest.Kind { return ingest.KindExclusion }
func (x *ExclusionSearch) PageSize() int     { return x.ep.pageSize(samEntityPageSize) }
func (x *ExclusionSearch) MaxPages() int     { return x.ep.maxPages(samEntityMaxPages) }

func (x *ExclusionSearch) Partitions(plan Plan) []Partition {
	return partitionsBy("state", plan.States)
}

func (x *ExclusionSearch) Request(p Partition, page int) (ingest.FetchRequest, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(x.PageSize()))
	if state := p.Param("state"); state != "" {
		q.Set("stateProvince", state)
	}
	return x.request(x.Name(), samExclusionsPath, p, page, q)
}

// Parse maps excludedEntity[].
func (x *ExclusionSearch) Parse(body []byte) ([]ingest.Record, error) {
	items, err := fields.items(body, "excludedEntity")
	if err != nil {
		return nil, err
	}
	out := make([]ingest.Record, 0, len(items))
	for _, item := range items {
		name := fields.str(item, "exclusionIdentification.entityName",
			"join(' ', [exclusionIdentification.firstName, exclusionIdentification.lastName][?@])")
		agency := fields.str(item, "exclusionDetails.excludingAgencyName", "exclusionDetails.excludingAgencyCode")
		out = append(out, ingest.Record{
			Kind: ingest.KindExclusion,
			Key: []ingest.Field{
				{Column: "name", Value: name},
				{Column: "excluding_agency", Value: agency},
			},
			Title:         name,
			Description:   fields.str(item, "exclusionOtherInformation.additionalComments"),
			Agency:        agency,
			RecipientName: name,
			RecipientUEI:  ingest.NormalizeUEI(fields.str(item, "exclusionIdentification.ueiSAM")),
			State:         fields.str(item, "exclusionAddress.stateOrProvinceCode"),
			City:          fields.str(item, "exclusionAddress.city"),
			StartDate:     fields.date(item, "exclusionActions.listOfActions[0].activateDate"),
			EndDate:       fields.date(item, "exclusionActions.listOfActions[0].terminationDate"),
			Attributes: fields.attrs(item, map[string]string{
				"classification": "exclusionDetails.classificationType",
				"exclusion_type": "exclusionDetails.exclusionType",
				"program":        "exclusionDetails.exclusionProgram",
				"cage_code":      "exclusionIdentification.cageCode",
			}),
		})
	}
	return out, nil
}

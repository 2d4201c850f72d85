package sources

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/baseddata-vacuum/internal/fetcher/rest"
	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
)

func TestAwardSearchRequestAndParse(t *testing.T) {
	t.Parallel()

	a := NewContracts(Endpoint{BaseURL: "https://api.usaspending.gov/"})
	parts := a.Partitions(Plan{States: []string{"VA", "MD"}, Years: []int{2024, 2023}})
	require.Len(t, parts, 2)
	require.Equal(t, "state=VA from=2022-10-01 to=2024-09-30", parts[0].Label)

	req, err := a.Request(parts[0], 1)
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "https://api.usaspending.gov/api/v2/search/spending_by_award/", req.URL)
	require.Equal(t, ProviderUSASpending, req.LimitKey())

	var body awardSearchBody
	require.NoError(t, json.Unmarshal(req.Body, &body))
	require.Equal(t, 2, body.Page)
	require.Equal(t, 100, body.Limit)
	require.Equal(t, []string{"A", "B", "C", "D"}, body.Filters.AwardTypeCodes)
	require.Equal(t, "VA", body.Filters.Locations[0].State)
	require.Equal(t, "2022-10-01", body.Filters.TimePeriod[0].StartDate)

	records, err := a.Parse([]byte(`{"results":[{
		"Award ID":"W91CRB24C0001","Recipient Name":"Acme Corp","Recipient UEI":" abc123def456 ",
		"Award Amount":1250000.5,"Description":"Sensors","Awarding Agency":"Department of Defense",
		"Awarding Sub Agency":"Department of the Army","Start Date":"2024-01-15","End Date":null,
		"Place of Performance State Code":"VA","generated_internal_id":"CONT_AWD_1"}],
		"page_metadata":{"hasNext":false}}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, ingest.KindContract, rec.Kind)
	require.Equal(t, "award_id=W91CRB24C0001", rec.KeyString())
	require.Equal(t, "ABC123DEF456", rec.RecipientUEI)
	require.InDelta(t, 1250000.5, *rec.Amount, 0.001)
	require.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), *rec.StartDate)
	require.Nil(t, rec.EndDate)
	require.Equal(t, "CONT_AWD_1", rec.Attributes["generated_internal_id"])
}

func TestSubawardParseCarriesPrime(t *testing.T) {
	t.Parallel()

	records, err := NewSubawards(Endpoint{}).Parse([]byte(`{"results":[{
		"Sub-Award ID":"SUB-1","Prime Award ID":"PRIME-9","Sub-Awardee Name":"Small Shop LLC",
		"Sub-Recipient UEI":"SUB000000001","Prime Recipient Name":"Big Prime Inc",
		"Prime Recipient UEI":"PRI000000001","Sub-Award Amount":"$45,000.00",
		"Awarding Agency":"NASA"}]}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, ingest.KindSubaward, rec.Kind)
	require.Equal(t, "subaward_id=SUB-1,prime_award_id=PRIME-9", rec.KeyString())
	require.Equal(t, "Big Prime Inc", rec.ParentName)
	require.Equal(t, "PRI000000001", rec.ParentUEI)
	require.InDelta(t, 45000.0, *rec.Amount, 0.001)
}

func TestSAMAdaptersRequireKey(t *testing.T) {
	t.Parallel()

	for _, a := range []Adapter{NewOpportunities(Endpoint{}), NewSAMEntities(Endpoint{}), NewExclusions(Endpoint{})} {
		require.True(t, a.RequiresKey())
		require.False(t, a.HasKey())
		_, err := a.Request(a.Partitions(Plan{})[0], 0)
		var ce *ingest.ConfigurationError
		require.ErrorAs(t, err, &ce, a.Name())
		require.Equal(t, "SAM_API_KEY", ce.Setting)
	}
}

func TestOpportunitiesWindowAndParse(t *testing.T) {
	t.Parallel()

	until := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	a := NewOpportunities(Endpoint{BaseURL: "https://api.sam.gov", APIKey: "k"})
	parts := a.Partitions(Plan{Keywords: []string{"radar"}, Since: until.AddDate(-3, 0, 0), Until: until})
	require.Len(t, parts, 1)
	require.Equal(t, "06/30/2024", parts[0].Param("to"))
	require.Equal(t, "07/02/2023", parts[0].Param("from"))

	req, err := a.Request(parts[0], 2)
	require.NoError(t, err)
	require.Equal(t, "200", req.Query.Get("offset"))
	require.Equal(t, "radar", req.Query.Get("title"))
	require.Equal(t, "k", req.Query.Get("api_key"))

	records, err := a.Parse([]byte(`{"totalRecords":1,"opportunitiesData":[{
		"noticeId":"abc123","title":"Radar upgrade","fullParentPathName":"DEPT OF DEFENSE.DEPT OF THE NAVY.NAVSEA",
		"postedDate":"2024-06-01","responseDeadLine":"2024-07-01T17:00:00-04:00","naicsCode":"334511",
		"placeOfPerformance":{"state":{"code":"CA"},"city":{"name":"San Diego"}},
		"award":{"amount":"98000","awardee":{"name":"Radar Co","ueiSAM":"rad000000001"}}}]}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, "DEPT OF DEFENSE", rec.Agency)
	require.Equal(t, "DEPT OF THE NAVY", rec.SubAgency)
	require.Equal(t, "CA", rec.State)
	require.Equal(t, "San Diego", rec.City)
	require.Equal(t, "RAD000000001", rec.RecipientUEI)
	require.NotNil(t, rec.EndDate)
	require.Equal(t, "334511", rec.Attributes["naics_code"])
}

func TestSAMEntityAndExclusionParse(t *testing.T) {
	t.Parallel()

	ents, err := NewSAMEntities(Endpoint{APIKey: "k"}).Parse([]byte(`{"totalRecords":1,"entityData":[{
		"entityRegistration":{"ueiSAM":"ENT000000001","legalBusinessName":"Acme, Inc.","cageCode":"1ABC2"},
		"coreData":{"physicalAddress":{"city":"Reston","stateOrProvinceCode":"VA"}}}]}`))
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.Equal(t, "uei=ENT000000001", ents[0].KeyString())
	require.Equal(t, "Acme, Inc.", ents[0].RecipientName)
	require.Equal(t, "1ABC2", ents[0].Attributes["cage_code"])

	excl, err := NewExclusions(Endpoint{APIKey: "k"}).Parse([]byte(`{"excludedEntity":[
		{"exclusionDetails":{"excludingAgencyName":"GSA","exclusionType":"Ineligible"},
		 "exclusionIdentification":{"firstName":"Jane","lastName":"Doe"},
		 "exclusionActions":{"listOfActions":[{"activateDate":"2023-02-01"}]}},
		{"exclusionDetails":{"excludingAgencyName":"DOD"},
		 "exclusionIdentification":{"entityName":"Shady Supply LLC","ueiSAM":"shd000000001"}}]}`))
	require.NoError(t, err)
	require.Len(t, excl, 2)
	require.Equal(t, "name=Jane Doe,excluding_agency=GSA", excl[0].KeyString())
	require.NotNil(t, excl[0].StartDate)
	require.Equal(t, "Shady Supply LLC", excl[1].RecipientName)
	require.Equal(t, "SHD000000001", excl[1].RecipientUEI)
}

func TestSBIRPartitionsAndParse(t *testing.T) {
	t.Parallel()

	a := NewSBIR(Endpoint{})
	parts := a.Partitions(Plan{Agencies: []string{"NASA", "DOD"}, Years: []int{2023, 2024}})
	require.Len(t, parts, 4)
	require.Equal(t, "agency=NASA year=2023", parts[0].Label)

	req, err := a.Request(parts[1], 2)
	require.NoError(t, err)
	require.Equal(t, "200", req.Query.Get("start"))
	require.Equal(t, "100", req.Query.Get("rows"))
	require.Equal(t, "2024", req.Query.Get("year"))

	records, err := a.Parse([]byte(`[{"firm":"Lunar Labs","award_title":"Regolith sensor","agency":"NASA",
		"branch":"","phase":"Phase I","contract":"80NSSC24C0001","award_amount":"149,999",
		"uei":"LUN000000001","state":"CO","city":"Boulder","proposal_award_date":"2024-03-04"}]`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "contract=80NSSC24C0001,agency=NASA", records[0].KeyString())
	require.InDelta(t, 149999.0, *records[0].Amount, 0.001)
	require.Equal(t, "Phase I", records[0].Attributes["phase"])
	require.Empty(t, records[0].SubAgency)
}

func TestNSFOffsetsAndCeiling(t *testing.T) {
	t.Parallel()

	a := NewNSF(Endpoint{})
	require.Equal(t, 120, a.MaxPages())
	req, err := a.Request(newPartition("keyword", "quantum"), 0)
	require.NoError(t, err)
	require.Equal(t, "1", req.Query.Get("offset"))
	require.Equal(t, "25", req.Query.Get("rpp"))
	req, err = a.Request(newPartition("keyword", "quantum"), a.MaxPages()-1)
	require.NoError(t, err)
	require.Equal(t, "2976", req.Query.Get("offset"))

	require.Equal(t, 5, NewNSF(Endpoint{MaxPages: 5}).MaxPages())

	records, err := a.Parse([]byte(`{"response":{"award":[{"id":"2401234","title":"Qubits",
		"awardeeName":"State University","fundsObligatedAmt":"350000","startDate":"08/15/2024",
		"piFirstName":"Ada","piLastName":"Lovelace"}]}}`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "NSF", records[0].Agency)
	require.Equal(t, "Ada Lovelace", records[0].Attributes["principal_investigator"])
	require.Equal(t, time.Date(2024, 8, 15, 0, 0, 0, 0, time.UTC), *records[0].StartDate)
}

func TestCALCParseHits(t *testing.T) {
	t.Parallel()

	records, err := NewCALC(Endpoint{}).Parse([]byte(`{"hits":{"total":{"value":2},"hits":[
		{"_source":{"labor_category":"Engineer II","current_price":142.5,"idv_piid":"GS-35F-0001X","vendor_name":"Acme"}},
		{"_source":{"labor_category":"Analyst","current_price":"98.10","idv_piid":"GS-35F-0002Y"}}]}}`))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "idv_piid=GS-35F-0001X,labor_category=Engineer II", records[0].KeyString())
	require.InDelta(t, 98.10, *records[1].Amount, 0.001)
}

func TestParseToleratesMissingArrays(t *testing.T) {
	t.Parallel()

	records, err := NewCALC(Endpoint{}).Parse([]byte(`{"detail":"nothing here"}`))
	require.NoError(t, err)
	require.Empty(t, records)

	_, err = NewNSF(Endpoint{}).Parse([]byte(`<html>`))
	require.Error(t, err)
}

func TestRegistryOrder(t *testing.T) {
	t.Parallel()

	r := NewDefaultRegistry(func(string) Endpoint { return Endpoint{BaseURL: "http://x"} })
	require.Equal(t, Order, r.Names())
	_, err := r.Get("nope")
	require.Error(t, err)
	a, err := r.Get(SBIR)
	require.NoError(t, err)
	require.Equal(t, ingest.KindSBIRAward, a.Kind())
}

func TestSBIREndToEndOverHTTP(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		starts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		starts = append(starts, r.URL.Path+"?start="+r.URL.Query().Get("start"))
		mu.Unlock()
		_, _ = io.WriteString(w, map[string]string{
			"0": `[{"contract":"C1","agency":"NASA","firm":"A"},{"contract":"C2","agency":"NASA","firm":"B"}]`,
			"2": `[{"contract":"C3","agency":"NASA","firm":"C"}]`,
		}[r.URL.Query().Get("start")])
	}))
	t.Cleanup(srv.Close)

	a := NewSBIR(Endpoint{BaseURL: srv.URL, PageSize: 2})
	f := restfetcher.New(srv.Client(), nil, restfetcher.Config{}, nil)
	var total int
	for page, err := range Paginate(context.Background(), f, a, a.Partitions(Plan{Agencies: []string{"NASA"}, Years: []int{2024}})[0], PageOptions{}) {
		require.NoError(t, err)
		total += len(page.Records)
	}
	require.Equal(t, 3, total)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/public/api/awards?start=0", "/public/api/awards?start=2"}, starts)
}

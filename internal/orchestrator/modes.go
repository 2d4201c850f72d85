package orchestrator

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/baseddata-vacuum/internal/sources"
)

// Built-in mode names. Every source additionally gets a "<source>-only" mode.
const (
	ModeQuick    = "quick"
	ModeFull     = "full"
	ModeTargeted = "targeted"

	onlySuffix = "-only"
)

// Mode is a static preset selecting which sources run and how much of their
// parameter space is covered. Request dimensions override preset ones.
type Mode struct {
	Name     string   `json:"name"`
	Sources  []string `json:"sources"`
	States   []string `json:"states,omitempty"`
	Agencies []string `json:"agencies,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	// FiscalYears is how many fiscal years, ending with the current one, are
	// covered when the request names none.
	FiscalYears int `json:"fiscal_years,omitempty"`
	// MaxPages caps pages per partition; zero keeps each adapter's ceiling.
	MaxPages int `json:"max_pages,omitempty"`
	// RequireSource demands a source on the request.
	RequireSource bool `json:"require_source,omitempty"`
}

var allStates = []string{
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA",
	"HI", "ID", "IL", "IN", "IA", "KS", "KY", "LA", "ME", "MD",
	"MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV", "NH", "NJ",
	"NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI", "SC",
	"SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY",
}

var sbirAgencies = []string{"DOD", "HHS", "NASA", "NSF", "DOE", "USDA", "DHS", "DOC", "ED", "EPA", "DOT"}

var presets = map[string]Mode{
	ModeQuick: {
		Name:        ModeQuick,
		Sources:     sources.Order,
		States:      []string{"CA", "TX", "VA", "MD", "FL"},
		Agencies:    []string{"DOD", "NASA", "HHS"},
		Keywords:    []string{"cybersecurity", "artificial intelligence"},
		FiscalYears: 1,
		MaxPages:    2,
	},
	ModeFull: {
		Name:     ModeFull,
		Sources:  sources.Order,
		States:   allStates,
		Agencies: sbirAgencies,
		Keywords: []string{
			"cybersecurity", "artificial intelligence", "software", "engineering",
			"research", "logistics", "construction", "data analytics",
		},
		FiscalYears: 2,
		MaxPages:    3,
	},
	ModeTargeted: {
		Name:          ModeTargeted,
		RequireSource: true,
	},
}

// LookupMode returns the preset registered under name, including the
// per-source "-only" modes.
func LookupMode(name string) (Mode, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if m, ok := presets[name]; ok {
		return m, true
	}
	source, ok := strings.CutSuffix(name, onlySuffix)
	if !ok || !slices.Contains(sources.Order, source) {
		return Mode{}, false
	}
	full := presets[ModeFull]
	full.Name = name
	full.Sources = []string{source}
	return full, true
}

// Modes lists every preset sorted by name.
func Modes() []Mode {
	out := make([]Mode, 0, len(presets)+len(sources.Order))
	for _, m := range presets {
		out = append(out, m)
	}
	for _, s := range sources.Order {
		m, _ := LookupMode(s + onlySuffix)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FiscalYear returns the US federal fiscal year containing t; FY N starts on
// October 1 of year N-1.
func FiscalYear(t time.Time) int {
	if t.Month() >= time.October {
		return t.Year() + 1
	}
	return t.Year()
}

// job is a validated request bound to its mode.
type job struct {
	mode     Mode
	sources  []string
	plan     sources.Plan
	maxPages int
}

func (m Mode) bind(source string, states, agencies, keywords []string, years []int, maxPages int, now time.Time) (job, error) {
	j := job{mode: m, sources: m.Sources, maxPages: m.MaxPages}
	switch {
	case m.RequireSource && source == "":
		return job{}, fmt.Errorf("%w: mode %s requires a source", ErrInvalidRequest, m.Name)
	case m.RequireSource:
		if !slices.Contains(sources.Order, source) {
			return job{}, fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, source)
		}
		j.sources = []string{source}
	case source != "":
		if !slices.Contains(m.Sources, source) {
			return job{}, fmt.Errorf("%w: source %q is not part of mode %s", ErrInvalidRequest, source, m.Name)
		}
		j.sources = []string{source}
	}
	if maxPages > 0 {
		j.maxPages = maxPages
	}

	j.plan = sources.Plan{
		States:   pick(normalizeCodes(states), m.States),
		Agencies: pick(normalizeCodes(agencies), m.Agencies),
		Keywords: pick(keywords, m.Keywords),
		Years:    years,
	}
	if len(j.plan.Years) == 0 && m.FiscalYears > 0 {
		fy := FiscalYear(now)
		for i := range m.FiscalYears {
			j.plan.Years = append(j.plan.Years, fy-i)
		}
	}
	if len(j.plan.Years) > 0 {
		oldest := slices.Min(j.plan.Years)
		j.plan.Since = time.Date(oldest-1, time.October, 1, 0, 0, 0, 0, time.UTC)
		j.plan.Until = now
	}
	return j, nil
}

func pick(requested, preset []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return preset
}

func normalizeCodes(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

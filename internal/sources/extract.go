package sources

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmespath/go-jmespath"
)

// extractor evaluates JMESPath expressions against decoded JSON, caching the
// compiled forms. Field names are expressions so nested and space-separated
// keys ("\"Award ID\"", "award.awardee.name") read the same way.
type extractor struct {
	mu    sync.RWMutex
	cache map[string]*jmespath.JMESPath
}

var fields = newExtractor()

func newExtractor() *extractor {
	return &extractor{cache: make(map[string]*jmespath.JMESPath)}
}

func (x *extractor) compile(expr string) (*jmespath.JMESPath, error) {
	x.mu.RLock()
	compiled, ok := x.cache[expr]
	x.mu.RUnlock()
	if ok {
		return compiled, nil
	}
	compiled, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	x.mu.Lock()
	x.cache[expr] = compiled
	x.mu.Unlock()
	return compiled, nil
}

func (x *extractor) search(expr string, data any) (any, error) {
	compiled, err := x.compile(expr)
	if err != nil {
		return nil, err
	}
	out, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return out, nil
}

// items decodes body and returns the objects found at expr. A missing result
// array is an empty page, not an error.
func (x *extractor) items(body []byte, expr string) ([]map[string]any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	found, err := x.search(expr, doc)
	if err != nil {
		return nil, err
	}
	list, ok := found.([]any)
	if !ok {
		return nil, nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			m = map[string]any{}
		}
		out = append(out, m)
	}
	return out, nil
}

func (x *extractor) value(item map[string]any, exprs ...string) any {
	for _, expr := range exprs {
		v, err := x.search(expr, item)
		if err != nil || v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

// str returns the first non-empty value among exprs as a trimmed string.
func (x *extractor) str(item map[string]any, exprs ...string) string {
	switch v := x.value(item, exprs...).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// amount reads a monetary value; "$1,200.50" and 1200.5 both parse.
func (x *extractor) amount(item map[string]any, exprs ...string) *float64 {
	switch v := x.value(item, exprs...).(type) {
	case float64:
		return &v
	case string:
		cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(v)
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func (x *extractor) integer(item map[string]any, exprs ...string) (int, bool) {
	v := x.amount(item, exprs...)
	if v == nil {
		return 0, false
	}
	return int(*v), true
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"2006-01-02T15:04:05.000-0700",
}

// date parses the first value that matches a known layout.
func (x *extractor) date(item map[string]any, exprs ...string) *time.Time {
	for _, expr := range exprs {
		s := x.str(item, expr)
		if s == "" {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}

// attrs copies the non-empty values of exprs into a JSONB-friendly map.
func (x *extractor) attrs(item map[string]any, names map[string]string) map[string]any {
	out := make(map[string]any, len(names))
	for key, expr := range names {
		if v := x.value(item, expr); v != nil {
			out[key] = v
		}
	}
	return out
}

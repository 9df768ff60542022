// Package pricing maps a request to its token cost.
// All functions are pure - no side effects, never fail.
package pricing

import (
	"encoding/json"
	"strings"
)

// Endpoint prices one route (value type).
// Path is exact, or a prefix when it ends in "/*". Empty Method matches any.
// When BatchField is set, a JSON array under that body field multiplies Cost.
type Endpoint struct {
	Path       string `yaml:"path" json:"path"`
	Method     string `yaml:"method" json:"method,omitempty"`
	Cost       int64  `yaml:"cost" json:"cost"`
	BatchField string `yaml:"batch_field" json:"batch_field,omitempty"`
}

// Table is the pricing configuration (value type).
type Table struct {
	Default   int64
	Endpoints []Endpoint
}

// Quote is the computed cost for a single request.
type Quote struct {
	Cost      int64
	Base      int64
	Items     int    // batch size, 1 when not a batch
	Endpoint  string // matched endpoint path, "" when defaulted
	Defaulted bool
}

// Match returns the first endpoint matching method and path.
// This is a PURE function.
func (t Table) Match(method, path string) (Endpoint, bool) {
	for _, e := range t.Endpoints {
		if e.Method != "" && !strings.EqualFold(e.Method, method) {
			continue
		}
		if matchPath(e.Path, path) {
			return e, true
		}
	}
	return Endpoint{}, false
}

// Quote computes the token cost of a request.
// Unknown endpoints get the table default. An empty or missing batch is
// quoted at the base cost so no billable request is ever free.
// This is a PURE function.
func (t Table) Quote(method, path string, body []byte) Quote {
	e, ok := t.Match(method, path)
	if !ok {
		return Quote{Cost: t.Default, Base: t.Default, Items: 1, Defaulted: true}
	}

	q := Quote{Cost: e.Cost, Base: e.Cost, Items: 1, Endpoint: e.Path}
	if e.BatchField == "" {
		return q
	}
	if n := countItems(body, e.BatchField); n > 1 {
		q.Items = n
		q.Cost = e.Cost * int64(n)
	}
	return q
}

// countItems returns the length of the JSON array at field, 0 if absent.
func countItems(body []byte, field string) int {
	if len(body) == 0 {
		return 0
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0
	}
	raw, ok := doc[field]
	if !ok {
		return 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0
	}
	return len(items)
}

func matchPath(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(path, prefix+"/") || path == prefix
	}
	return false
}

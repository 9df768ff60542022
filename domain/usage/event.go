// Package usage provides usage entry types and aggregation functions.
// All functions are pure - no side effects.
package usage

import "time"

// Entry is one successfully billed request (immutable value type).
// Entries are append-only and created in the same atomic step as the debit.
type Entry struct {
	ID             string
	UserID         string
	KeyID          string
	Endpoint       string
	Method         string
	TokensConsumed int64
	RequestBytes   int64
	LatencyMs      int64
	CreatedAt      time.Time
}

// Filter selects entries for listing.
type Filter struct {
	UserID string
	Since  time.Time // inclusive, zero = unbounded
	Until  time.Time // exclusive, zero = unbounded
	Limit  int       // 0 = no limit
}

// Matches reports whether e falls inside the filter.
func (f Filter) Matches(e Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// EndpointUsage is the per-endpoint breakdown of a summary.
type EndpointUsage struct {
	Endpoint string `json:"endpoint"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// Summary represents aggregated usage for a period (value type).
type Summary struct {
	UserID        string          `json:"user_id"`
	PeriodStart   time.Time       `json:"period_start"`
	PeriodEnd     time.Time       `json:"period_end"`
	TotalRequests int64           `json:"total_requests"`
	TotalTokens   int64           `json:"total_tokens"`
	AvgLatencyMs  int64           `json:"avg_latency_ms"`
	ByEndpoint    []EndpointUsage `json:"by_endpoint"`
}

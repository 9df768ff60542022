package usage

import (
	"sort"
	"time"
)

// MaxStatsDays bounds the usage-stats lookback.
const MaxStatsDays = 365

// Aggregate summarizes the entries created in [since, until).
// ByEndpoint is ordered by tokens descending, then endpoint name.
// This is a PURE function.
func Aggregate(entries []Entry, since, until time.Time) Summary {
	s := Summary{PeriodStart: since, PeriodEnd: until, ByEndpoint: []EndpointUsage{}}
	f := Filter{Since: since, Until: until}

	byEndpoint := make(map[string]*EndpointUsage)
	var totalLatency int64

	for _, e := range entries {
		if !f.Matches(e) {
			continue
		}
		if s.UserID == "" {
			s.UserID = e.UserID
		}
		s.TotalRequests++
		s.TotalTokens += e.TokensConsumed
		totalLatency += e.LatencyMs

		eu, ok := byEndpoint[e.Endpoint]
		if !ok {
			eu = &EndpointUsage{Endpoint: e.Endpoint}
			byEndpoint[e.Endpoint] = eu
		}
		eu.Requests++
		eu.Tokens += e.TokensConsumed
	}

	if s.TotalRequests > 0 {
		s.AvgLatencyMs = totalLatency / s.TotalRequests
	}
	for _, eu := range byEndpoint {
		s.ByEndpoint = append(s.ByEndpoint, *eu)
	}
	sort.Slice(s.ByEndpoint, func(i, j int) bool {
		a, b := s.ByEndpoint[i], s.ByEndpoint[j]
		if a.Tokens != b.Tokens {
			return a.Tokens > b.Tokens
		}
		return a.Endpoint < b.Endpoint
	})
	return s
}

// Window returns the [since, until) range covering the last days up to now.
// Days is clamped to [1, MaxStatsDays].
func Window(days int, now time.Time) (since, until time.Time) {
	if days < 1 {
		days = 1
	}
	if days > MaxStatsDays {
		days = MaxStatsDays
	}
	until = now
	since = now.Add(-time.Duration(days) * 24 * time.Hour)
	return since, until
}

// Package ratelimit provides the pure multi-window admission algorithm.
// All functions are deterministic - same input always produces same output.
package ratelimit

import "time"

// Window names, in evaluation order.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// Window sizes.
const (
	MinuteSize = time.Minute
	HourSize   = time.Hour
	DaySize    = 24 * time.Hour
)

// Limits holds per-window thresholds (value type).
// A non-positive limit disables that window.
type Limits struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	PerHour   int `yaml:"per_hour" json:"per_hour"`
	PerDay    int `yaml:"per_day" json:"per_day"`
}

// IsZero reports whether every window is disabled.
func (l Limits) IsZero() bool {
	return l.PerMinute <= 0 && l.PerHour <= 0 && l.PerDay <= 0
}

// Window is one fixed window: a count and the instant it opened.
type Window struct {
	Count int
	Start time.Time
}

// Counter is the per-identity rate state across all three windows (value type).
type Counter struct {
	Minute Window
	Hour   Window
	Day    Window
}

// Decision represents the outcome of an admission check (value type).
// Window, Limit, Count and Remaining describe the rejecting window on
// rejection and the tightest window on admission.
type Decision struct {
	Allowed    bool
	Window     string
	Limit      int
	Count      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// WindowStatus reports usage of a single window without mutating it.
type WindowStatus struct {
	Window    string
	Limit     int
	Count     int
	Remaining int
	ResetAt   time.Time
}

type slot struct {
	name  string
	size  time.Duration
	limit int
	w     *Window
}

func slots(c *Counter, l Limits) [3]slot {
	return [3]slot{
		{WindowMinute, MinuteSize, l.PerMinute, &c.Minute},
		{WindowHour, HourSize, l.PerHour, &c.Hour},
		{WindowDay, DaySize, l.PerDay, &c.Day},
	}
}

// roll resets a window whose span has elapsed. Reset is lazy: it happens
// on access, never by a background sweep.
func roll(w Window, size time.Duration, now time.Time) Window {
	if w.Start.IsZero() || !now.Before(w.Start.Add(size)) {
		return Window{Count: 0, Start: now}
	}
	return w
}

// Admit decides whether one more request is allowed.
// This is a PURE function - no side effects, deterministic.
//
// Windows are checked minute, hour, day. The first window whose
// post-increment count would exceed its limit rejects, and the returned
// counter is the input counter unchanged. On admission every window
// advances together. The caller must persist the returned counter.
func Admit(c Counter, l Limits, now time.Time) (Decision, Counter) {
	next := c
	ss := slots(&next, l)

	for i := range ss {
		*ss[i].w = roll(*ss[i].w, ss[i].size, now)
	}

	for _, s := range ss {
		if s.limit <= 0 {
			continue
		}
		if s.w.Count+1 > s.limit {
			resetAt := s.w.Start.Add(s.size)
			return Decision{
				Allowed:    false,
				Window:     s.name,
				Limit:      s.limit,
				Count:      s.w.Count,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: resetAt.Sub(now),
			}, c
		}
	}

	d := Decision{Allowed: true, Remaining: -1}
	for _, s := range ss {
		s.w.Count++
		if s.limit <= 0 {
			continue
		}
		remaining := s.limit - s.w.Count
		if d.Remaining < 0 || remaining < d.Remaining {
			d.Window = s.name
			d.Limit = s.limit
			d.Count = s.w.Count
			d.Remaining = remaining
			d.ResetAt = s.w.Start.Add(s.size)
		}
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, next
}

// Status reports per-window usage at now without mutating the counter.
// This is a PURE function.
func Status(c Counter, l Limits, now time.Time) []WindowStatus {
	ss := slots(&c, l)
	out := make([]WindowStatus, 0, len(ss))
	for _, s := range ss {
		w := roll(*s.w, s.size, now)
		remaining := 0
		if s.limit > 0 && s.limit > w.Count {
			remaining = s.limit - w.Count
		}
		out = append(out, WindowStatus{
			Window:    s.name,
			Limit:     s.limit,
			Count:     w.Count,
			Remaining: remaining,
			ResetAt:   w.Start.Add(s.size),
		})
	}
	return out
}

// RetryAfterSeconds rounds a retry hint up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

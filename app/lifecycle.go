package app

import "fmt"

// State is a request lifecycle state.
type State int

// Billed is recorded when the billing stage admits a request and holds its
// quote, before the handler runs. Whether tokens were charged is reported by
// the billing headers, not by the lifecycle.
const (
	Received State = iota
	Authenticated
	RateChecked
	Billed
	Rejected
	Responded
)

var stateNames = [...]string{
	Received:      "received",
	Authenticated: "authenticated",
	RateChecked:   "rate_checked",
	Billed:        "billed",
	Rejected:      "rejected",
	Responded:     "responded",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// rank orders states. Billed and Rejected are alternatives at the same rank.
func (s State) rank() int {
	switch s {
	case Received:
		return 0
	case Authenticated:
		return 1
	case RateChecked:
		return 2
	case Billed, Rejected:
		return 3
	default:
		return 4
	}
}

// Lifecycle tracks the states a single request has passed through.
// It only ever moves forward. Not safe for concurrent use.
type Lifecycle struct {
	states []State
}

// Current returns the latest state.
func (l *Lifecycle) Current() (State, bool) {
	if len(l.states) == 0 {
		return 0, false
	}
	return l.states[len(l.states)-1], true
}

// Advance moves to s. Moving to a state at or before the current one is an error.
func (l *Lifecycle) Advance(s State) error {
	if cur, ok := l.Current(); ok && s.rank() <= cur.rank() {
		return fmt.Errorf("lifecycle: cannot move from %s to %s", cur, s)
	}
	l.states = append(l.states, s)
	return nil
}

// States returns a copy of the recorded states.
func (l *Lifecycle) States() []State {
	return append([]State(nil), l.states...)
}

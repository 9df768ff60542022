// Package pathrule decides which paths a pipeline stage applies to.
// All functions are pure.
package pathrule

import (
	"fmt"
	"strings"
)

// Policy controls paths that match neither list.
type Policy string

const (
	// Enforce applies the stage to unmatched paths (fail closed).
	Enforce Policy = "enforce"
	// Skip lets unmatched paths bypass the stage.
	Skip Policy = "skip"
)

// Verdict explains why a rule did or did not apply.
type Verdict string

const (
	VerdictExcluded  Verdict = "excluded"
	VerdictProtected Verdict = "protected"
	VerdictUnmatched Verdict = "unmatched"
)

// Rule is one stage's inclusion configuration (value type).
type Rule struct {
	Protected []string `yaml:"protected" json:"protected"`
	Excluded  []string `yaml:"excluded" json:"excluded"`
	Unmatched Policy   `yaml:"unmatched" json:"unmatched"`
}

// Validate checks the rule for configuration errors.
func (r Rule) Validate() error {
	switch r.Unmatched {
	case "", Enforce, Skip:
	default:
		return fmt.Errorf("unmatched policy %q: must be %q or %q", r.Unmatched, Enforce, Skip)
	}
	for _, p := range append(append([]string{}, r.Protected...), r.Excluded...) {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("path %q must start with /", p)
		}
	}
	return nil
}

// Evaluate reports whether the rule applies to path and why.
// Exclusions are checked first, then protected prefixes; a path matching
// neither falls to the Unmatched policy, which defaults to Enforce.
// This is a PURE function.
func (r Rule) Evaluate(path string) (bool, Verdict) {
	for _, p := range r.Excluded {
		if Match(p, path) {
			return false, VerdictExcluded
		}
	}
	for _, p := range r.Protected {
		if Match(p, path) {
			return true, VerdictProtected
		}
	}
	return r.Unmatched != Skip, VerdictUnmatched
}

// Applies reports whether the stage runs for path.
func (r Rule) Applies(path string) bool {
	ok, _ := r.Evaluate(path)
	return ok
}

// Match reports whether path is covered by pattern.
// A pattern ending in "/" is a raw prefix. Otherwise it matches the path
// exactly or any path below it, so "/docs" covers "/docs/x" but not "/docsx".
// This is a PURE function.
func Match(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	if pattern == path {
		return true
	}
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(path, pattern)
	}
	return strings.HasPrefix(path, pattern+"/")
}

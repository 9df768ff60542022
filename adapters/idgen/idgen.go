// Package idgen provides ports.IDGenerator implementations.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/artpar/tollgate/ports"
	"github.com/google/uuid"
)

// UUID generates random UUIDv4 identifiers, optionally prefixed.
// Hold IDs and usage entry IDs come from here.
type UUID struct {
	Prefix string
}

// New generates a new ID.
func (g UUID) New() string {
	return g.Prefix + uuid.NewString()
}

// Sequential generates predictable IDs (for testing).
type Sequential struct {
	prefix  string
	counter atomic.Uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	return s.prefix + strconv.FormatUint(s.counter.Add(1), 10)
}

// Ensure interface compliance.
var (
	_ ports.IDGenerator = UUID{}
	_ ports.IDGenerator = (*Sequential)(nil)
)

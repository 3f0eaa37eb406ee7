// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Sequence derives deterministic v5 UUIDs from a namespace and a counter.
// Tests use it to get stable, ordered identifiers.
type Sequence struct {
	ns uuid.UUID
	n  atomic.Uint64
}

// NewSequence returns a Sequence rooted at name.
func NewSequence(name string) *Sequence {
	return &Sequence{ns: uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))}
}

// NewID returns the next identifier in the sequence.
func (s *Sequence) NewID() (string, error) {
	n := s.n.Add(1)
	return uuid.NewSHA1(s.ns, []byte(fmt.Sprintf("%020d", n))).String(), nil
}

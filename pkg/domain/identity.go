package domain

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IdentityGenerator produces identities for new entities and units of work.
// It is injected so tests can supply deterministic ids.
type IdentityGenerator interface {
	NextIdentity() (string, error)
}

// IdentityGeneratorFunc adapts a function to IdentityGenerator.
type IdentityGeneratorFunc func() (string, error)

func (f IdentityGeneratorFunc) NextIdentity() (string, error) { return f() }

// UUIDGenerator issues random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NextIdentity() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate identity: %w", err)
	}
	return id.String(), nil
}

// SequenceGenerator issues prefix-1, prefix-2, ... in order.
type SequenceGenerator struct {
	Prefix string
	next   atomic.Uint64
}

// NewSequenceGenerator returns a generator counting from one.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{Prefix: prefix}
}

func (g *SequenceGenerator) NextIdentity() (string, error) {
	return fmt.Sprintf("%s-%d", g.Prefix, g.next.Add(1)), nil
}

// NewReference draws a reference from gen.
func NewReference(gen IdentityGenerator) (EntityReference, error) {
	id, err := gen.NextIdentity()
	if err != nil {
		return "", err
	}
	return NewEntityReference(id)
}

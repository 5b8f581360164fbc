package domain

import "strings"

// EntityReference is the stable identity of one entity. References compare by
// value and are usable as map keys.
type EntityReference string

// NewEntityReference validates identity and returns it as a reference.
func NewEntityReference(identity string) (EntityReference, error) {
	if strings.TrimSpace(identity) == "" {
		return "", ErrEmptyReference
	}
	return EntityReference(identity), nil
}

// String returns the identity string.
func (r EntityReference) String() string { return string(r) }

// IsEmpty reports whether the reference carries no identity. An empty
// reference stands for a null association.
func (r EntityReference) IsEmpty() bool { return strings.TrimSpace(string(r)) == "" }

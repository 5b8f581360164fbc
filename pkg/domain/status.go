package domain

import "strconv"

// EntityStatus is the lifecycle position of an EntityState within one unit of work.
type EntityStatus int

const (
	// StatusNew marks state created in the current unit of work and not yet stored.
	StatusNew EntityStatus = iota
	// StatusLoaded marks state read from a store and not modified since.
	StatusLoaded
	// StatusUpdated marks loaded state with pending modifications.
	StatusUpdated
	// StatusRemoved marks state scheduled for removal.
	StatusRemoved
)

func (s EntityStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusLoaded:
		return "loaded"
	case StatusUpdated:
		return "updated"
	case StatusRemoved:
		return "removed"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Version is the optimistic concurrency token a store assigns to a committed
// entity. New state carries version zero; every commit advances it by one.
type Version uint64

func (v Version) String() string { return strconv.FormatUint(uint64(v), 10) }

// Next returns the version written by the next successful commit.
func (v Version) Next() Version { return v + 1 }

// EntityDescriptor names the type of an entity. Stores use it to route state
// and to label serialized documents.
type EntityDescriptor struct {
	Type string `json:"type"`
}

// NewEntityDescriptor returns a descriptor for the named entity type.
func NewEntityDescriptor(entityType string) EntityDescriptor {
	return EntityDescriptor{Type: entityType}
}

package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// EntityState is the mutable record of one entity inside a unit of work. It
// is owned by the unit of work that created or loaded it and must not be
// shared with another one.
//
// Once a state is removed every mutator returns ErrEntityRemoved and leaves
// the state untouched. Calling Remove again is a no-op.
type EntityState struct {
	reference          EntityReference
	descriptor         EntityDescriptor
	version            Version
	modified           time.Time
	status             EntityStatus
	applicationVersion string

	properties   map[string]json.RawMessage
	associations map[string]EntityReference
	many         map[string]*ManyAssociationState
	named        map[string]*NamedAssociationState
}

// NewEntityState returns NEW state with empty collections and version zero.
func NewEntityState(ref EntityReference, descriptor EntityDescriptor, now time.Time) *EntityState {
	return &EntityState{
		reference:    ref,
		descriptor:   descriptor,
		modified:     now,
		status:       StatusNew,
		properties:   make(map[string]json.RawMessage),
		associations: make(map[string]EntityReference),
		many:         make(map[string]*ManyAssociationState),
		named:        make(map[string]*NamedAssociationState),
	}
}

func (s *EntityState) Reference() EntityReference     { return s.reference }
func (s *EntityState) Descriptor() EntityDescriptor   { return s.descriptor }
func (s *EntityState) Version() Version               { return s.version }
func (s *EntityState) LastModified() time.Time        { return s.modified }
func (s *EntityState) Status() EntityStatus           { return s.status }
func (s *EntityState) ApplicationVersion() string     { return s.applicationVersion }
func (s *EntityState) SetApplicationVersion(v string) { s.applicationVersion = v }

// Property returns the JSON encoded value of a property.
func (s *EntityState) Property(name string) (json.RawMessage, bool) {
	raw, ok := s.properties[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(raw), true
}

// PropertyValue decodes the named property into target. It reports false when
// the property has never been set.
func (s *EntityState) PropertyValue(name string, target any) (bool, error) {
	raw, ok := s.properties[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return true, EntityStoreError{Op: "decode property " + name, Reference: s.reference, Err: err}
	}
	return true, nil
}

// SetProperty stores value under name. Values are kept JSON encoded so that
// every backend persists the same representation.
func (s *EntityState) SetProperty(name string, value any) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	var raw json.RawMessage
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return EntityStoreError{Op: "encode property " + name, Reference: s.reference, Err: fmt.Errorf("invalid json")}
		}
		raw = slices.Clone(v)
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return EntityStoreError{Op: "encode property " + name, Reference: s.reference, Err: err}
		}
		raw = b
	}
	s.properties[name] = raw
	s.markUpdated()
	return nil
}

// PropertyNames returns the set property names in sorted order.
func (s *EntityState) PropertyNames() []string {
	return slices.Sorted(maps.Keys(s.properties))
}

// Association returns the reference of a single association. It reports
// false for unset and null associations.
func (s *EntityState) Association(name string) (EntityReference, bool) {
	ref, ok := s.associations[name]
	if !ok || ref.IsEmpty() {
		return "", false
	}
	return ref, true
}

// SetAssociation binds a single association. An empty ref sets it to null.
func (s *EntityState) SetAssociation(name string, ref EntityReference) error {
	if err := s.checkMutable(); err != nil {
		return err
	}
	s.associations[name] = ref
	s.markUpdated()
	return nil
}

// AssociationNames returns the single association names, null ones included.
func (s *EntityState) AssociationNames() []string {
	return slices.Sorted(maps.Keys(s.associations))
}

// ManyAssociation returns the named many-association, creating it empty.
func (s *EntityState) ManyAssociation(name string) *ManyAssociationState {
	m, ok := s.many[name]
	if !ok {
		m = &ManyAssociationState{owner: s}
		s.many[name] = m
	}
	return m
}

// ManyAssociationNames returns the many-association names in sorted order.
func (s *EntityState) ManyAssociationNames() []string {
	return slices.Sorted(maps.Keys(s.many))
}

// NamedAssociation returns the named association, creating it empty.
func (s *EntityState) NamedAssociation(name string) *NamedAssociationState {
	n, ok := s.named[name]
	if !ok {
		n = &NamedAssociationState{owner: s, refs: make(map[string]EntityReference)}
		s.named[name] = n
	}
	return n
}

// NamedAssociationNames returns the named association names in sorted order.
func (s *EntityState) NamedAssociationNames() []string {
	return slices.Sorted(maps.Keys(s.named))
}

// Remove marks the state removed.
func (s *EntityState) Remove() {
	s.status = StatusRemoved
}

// MarkUpdated flags loaded state as modified, e.g. after a schema migration
// rewrote its document.
func (s *EntityState) MarkUpdated() { s.markUpdated() }

// Committed records the outcome of a successful commit: the new version and
// modification time become current and the state reads as LOADED again.
func (s *EntityState) Committed(version Version, modified time.Time) {
	s.version = version
	s.modified = modified
	s.status = StatusLoaded
}

// IsChanged reports whether the state carries anything to write.
func (s *EntityState) IsChanged() bool {
	return s.status == StatusNew || s.status == StatusUpdated || s.status == StatusRemoved
}

func (s *EntityState) String() string {
	return fmt.Sprintf("%s[%s] v%s %s", s.descriptor.Type, s.reference, s.version, s.status)
}

func (s *EntityState) checkMutable() error {
	if s == nil {
		return nil
	}
	if s.status == StatusRemoved {
		return fmt.Errorf("%w: %s", ErrEntityRemoved, s.reference)
	}
	return nil
}

func (s *EntityState) markUpdated() {
	if s != nil && s.status == StatusLoaded {
		s.status = StatusUpdated
	}
}

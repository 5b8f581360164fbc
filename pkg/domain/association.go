package domain

import (
	"iter"
	"slices"
)

// ManyAssociationState is an ordered, duplicate-free sequence of references
// owned by one EntityState.
type ManyAssociationState struct {
	owner *EntityState
	refs  []EntityReference
}

// Count returns the number of references.
func (m *ManyAssociationState) Count() int { return len(m.refs) }

// Contains reports whether ref is present.
func (m *ManyAssociationState) Contains(ref EntityReference) bool {
	return slices.Contains(m.refs, ref)
}

// Get returns the reference at index i.
func (m *ManyAssociationState) Get(i int) (EntityReference, error) {
	if i < 0 || i >= len(m.refs) {
		return "", IndexOutOfRangeError{Index: i, Count: len(m.refs)}
	}
	return m.refs[i], nil
}

// Add inserts ref at index i, shifting later elements. An index past the end
// appends. It returns false without mutating anything when ref is already
// present.
func (m *ManyAssociationState) Add(i int, ref EntityReference) (bool, error) {
	if err := m.owner.checkMutable(); err != nil {
		return false, err
	}
	if ref.IsEmpty() {
		return false, ErrEmptyReference
	}
	if i < 0 {
		return false, IndexOutOfRangeError{Index: i, Count: len(m.refs)}
	}
	if m.Contains(ref) {
		return false, nil
	}
	if i > len(m.refs) {
		i = len(m.refs)
	}
	m.refs = slices.Insert(m.refs, i, ref)
	m.owner.markUpdated()
	return true, nil
}

// Remove deletes ref keeping the relative order of the rest. Removing an
// absent reference returns false.
func (m *ManyAssociationState) Remove(ref EntityReference) (bool, error) {
	if err := m.owner.checkMutable(); err != nil {
		return false, err
	}
	idx := slices.Index(m.refs, ref)
	if idx < 0 {
		return false, nil
	}
	m.refs = slices.Delete(m.refs, idx, idx+1)
	m.owner.markUpdated()
	return true, nil
}

// Clear removes every reference.
func (m *ManyAssociationState) Clear() error {
	if err := m.owner.checkMutable(); err != nil {
		return err
	}
	if len(m.refs) == 0 {
		return nil
	}
	m.refs = nil
	m.owner.markUpdated()
	return nil
}

// All iterates references in their current order.
func (m *ManyAssociationState) All() iter.Seq[EntityReference] {
	return func(yield func(EntityReference) bool) {
		for _, r := range m.refs {
			if !yield(r) {
				return
			}
		}
	}
}

// References returns a copy of the sequence.
func (m *ManyAssociationState) References() []EntityReference {
	return slices.Clone(m.refs)
}

// NamedAssociationState maps names to references and iterates names in the
// order they were inserted. Putting a name again moves it to the end.
type NamedAssociationState struct {
	owner *EntityState
	names []string
	refs  map[string]EntityReference
}

// Count returns the number of names.
func (n *NamedAssociationState) Count() int { return len(n.names) }

// ContainsName reports whether name is bound.
func (n *NamedAssociationState) ContainsName(name string) bool {
	_, ok := n.refs[name]
	return ok
}

// Get returns the reference bound to name.
func (n *NamedAssociationState) Get(name string) (EntityReference, bool) {
	ref, ok := n.refs[name]
	return ref, ok
}

// Put binds name to ref and places name last in iteration order. It returns
// true when name was not bound before.
func (n *NamedAssociationState) Put(name string, ref EntityReference) (bool, error) {
	if err := n.owner.checkMutable(); err != nil {
		return false, err
	}
	if ref.IsEmpty() {
		return false, ErrEmptyReference
	}
	_, existed := n.refs[name]
	if existed {
		n.names = slices.DeleteFunc(n.names, func(s string) bool { return s == name })
	}
	if n.refs == nil {
		n.refs = make(map[string]EntityReference)
	}
	n.names = append(n.names, name)
	n.refs[name] = ref
	n.owner.markUpdated()
	return !existed, nil
}

// Remove unbinds name. Removing an unbound name returns false.
func (n *NamedAssociationState) Remove(name string) (bool, error) {
	if err := n.owner.checkMutable(); err != nil {
		return false, err
	}
	if _, ok := n.refs[name]; !ok {
		return false, nil
	}
	delete(n.refs, name)
	n.names = slices.DeleteFunc(n.names, func(s string) bool { return s == name })
	n.owner.markUpdated()
	return true, nil
}

// Clear unbinds every name.
func (n *NamedAssociationState) Clear() error {
	if err := n.owner.checkMutable(); err != nil {
		return err
	}
	if len(n.names) == 0 {
		return nil
	}
	n.names = nil
	n.refs = nil
	n.owner.markUpdated()
	return nil
}

// Names iterates names in insertion order.
func (n *NamedAssociationState) Names() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, name := range n.names {
			if !yield(name) {
				return
			}
		}
	}
}

// NameList returns a copy of the names in insertion order.
func (n *NamedAssociationState) NameList() []string {
	return slices.Clone(n.names)
}

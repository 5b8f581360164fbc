package domain

// PropertyOf decodes a property into a T. The boolean is false when the
// property has never been set.
func PropertyOf[T any](s *EntityState, name string) (T, bool, error) {
	var v T
	ok, err := s.PropertyValue(name, &v)
	return v, ok, err
}

// SetPropertyOf stores a typed property value.
func SetPropertyOf[T any](s *EntityState, name string, value T) error {
	return s.SetProperty(name, value)
}

// AssociationOf is a typed view over a single association.
type AssociationOf struct {
	state *EntityState
	name  string
}

// AssociationView returns a view over the named single association.
func AssociationView(s *EntityState, name string) AssociationOf {
	return AssociationOf{state: s, name: name}
}

// Get returns the bound reference, false when unset or null.
func (a AssociationOf) Get() (EntityReference, bool) {
	return a.state.Association(a.name)
}

// Set binds the association.
func (a AssociationOf) Set(ref EntityReference) error {
	return a.state.SetAssociation(a.name, ref)
}

// Clear sets the association to null.
func (a AssociationOf) Clear() error {
	return a.state.SetAssociation(a.name, "")
}

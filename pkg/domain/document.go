package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// EntityDocument is the serialized form of an EntityState. Properties, single
// associations, many-associations and named associations live in separate
// sections. Many-associations keep their order as JSON arrays and named
// associations keep insertion order as ordered JSON objects.
type EntityDocument struct {
	Reference          EntityReference              `json:"reference"`
	Type               string                       `json:"type"`
	Version            Version                      `json:"version"`
	Modified           int64                        `json:"modified"`
	ApplicationVersion string                       `json:"application_version,omitempty"`
	Properties         map[string]json.RawMessage   `json:"properties"`
	Associations       map[string]*EntityReference  `json:"associations"`
	ManyAssociations   map[string][]EntityReference `json:"many"`
	NamedAssociations  map[string]NamedReferences   `json:"named"`
}

// NamedReference is one binding of a named association.
type NamedReference struct {
	Name      string
	Reference EntityReference
}

// NamedReferences is an insertion ordered list of named bindings encoded as a
// JSON object whose keys keep that order.
type NamedReferences []NamedReference

// MarshalJSON writes the bindings as an object in slice order.
func (n NamedReferences) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, nr := range n {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(nr.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(string(nr.Reference))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keeping the key order of the input.
func (n *NamedReferences) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*n = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("named references: expected object, got %v", tok)
	}
	out := NamedReferences{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("named references: expected key, got %v", keyTok)
		}
		var ref string
		if err := dec.Decode(&ref); err != nil {
			return fmt.Errorf("named references %q: %w", key, err)
		}
		out = append(out, NamedReference{Name: key, Reference: EntityReference(ref)})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*n = out
	return nil
}

// ModifiedTime returns Modified as a time value.
func (d *EntityDocument) ModifiedTime() time.Time {
	return time.UnixMilli(d.Modified).UTC()
}

// Clone returns a deep copy of the document.
func (d *EntityDocument) Clone() *EntityDocument {
	out := *d
	out.Properties = make(map[string]json.RawMessage, len(d.Properties))
	for k, v := range d.Properties {
		out.Properties[k] = slices.Clone(v)
	}
	out.Associations = make(map[string]*EntityReference, len(d.Associations))
	for k, v := range d.Associations {
		if v == nil {
			out.Associations[k] = nil
			continue
		}
		ref := *v
		out.Associations[k] = &ref
	}
	out.ManyAssociations = make(map[string][]EntityReference, len(d.ManyAssociations))
	for k, v := range d.ManyAssociations {
		out.ManyAssociations[k] = slices.Clone(v)
	}
	out.NamedAssociations = make(map[string]NamedReferences, len(d.NamedAssociations))
	for k, v := range d.NamedAssociations {
		out.NamedAssociations[k] = slices.Clone(v)
	}
	return &out
}

// EncodeDocument serializes a document.
func EncodeDocument(doc *EntityDocument) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, EntityStoreError{Op: "encode document", Reference: doc.Reference, Err: err}
	}
	return b, nil
}

// DecodeDocument parses a serialized document.
func DecodeDocument(data []byte) (*EntityDocument, error) {
	var doc EntityDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, EntityStoreError{Op: "decode document", Err: err}
	}
	if doc.Reference.IsEmpty() {
		return nil, EntityStoreError{Op: "decode document", Err: ErrEmptyReference}
	}
	return &doc, nil
}

// NewEntityDocument captures state as the document a store writes for it at
// the given version and modification time.
func NewEntityDocument(s *EntityState, version Version, modified time.Time) *EntityDocument {
	doc := &EntityDocument{
		Reference:          s.reference,
		Type:               s.descriptor.Type,
		Version:            version,
		Modified:           modified.UnixMilli(),
		ApplicationVersion: s.applicationVersion,
		Properties:         make(map[string]json.RawMessage, len(s.properties)),
		Associations:       make(map[string]*EntityReference, len(s.associations)),
		ManyAssociations:   make(map[string][]EntityReference, len(s.many)),
		NamedAssociations:  make(map[string]NamedReferences, len(s.named)),
	}
	for k, v := range s.properties {
		doc.Properties[k] = slices.Clone(v)
	}
	for k, v := range s.associations {
		if v.IsEmpty() {
			doc.Associations[k] = nil
			continue
		}
		ref := v
		doc.Associations[k] = &ref
	}
	for k, m := range s.many {
		doc.ManyAssociations[k] = m.References()
	}
	for k, n := range s.named {
		refs := make(NamedReferences, 0, len(n.names))
		for _, name := range n.names {
			refs = append(refs, NamedReference{Name: name, Reference: n.refs[name]})
		}
		doc.NamedAssociations[k] = refs
	}
	return doc
}

// LoadEntityState rebuilds LOADED state from a stored document.
func LoadEntityState(doc *EntityDocument) (*EntityState, error) {
	if doc.Reference.IsEmpty() {
		return nil, EntityStoreError{Op: "load state", Err: ErrEmptyReference}
	}
	s := NewEntityState(doc.Reference, EntityDescriptor{Type: doc.Type}, doc.ModifiedTime())
	s.version = doc.Version
	s.status = StatusLoaded
	s.applicationVersion = doc.ApplicationVersion
	for k, v := range doc.Properties {
		s.properties[k] = slices.Clone(v)
	}
	for k, v := range doc.Associations {
		if v == nil {
			s.associations[k] = ""
			continue
		}
		s.associations[k] = *v
	}
	for _, k := range slices.Sorted(maps.Keys(doc.ManyAssociations)) {
		refs := doc.ManyAssociations[k]
		m := &ManyAssociationState{owner: s}
		for _, r := range refs {
			if slices.Contains(m.refs, r) {
				return nil, EntityStoreError{Op: "load state", Reference: doc.Reference, Err: fmt.Errorf("many association %s: duplicate reference %s", k, r)}
			}
			m.refs = append(m.refs, r)
		}
		s.many[k] = m
	}
	for k, refs := range doc.NamedAssociations {
		n := &NamedAssociationState{owner: s, refs: make(map[string]EntityReference, len(refs))}
		for _, nr := range refs {
			if _, dup := n.refs[nr.Name]; dup {
				return nil, EntityStoreError{Op: "load state", Reference: doc.Reference, Err: fmt.Errorf("named association %s: duplicate name %s", k, nr.Name)}
			}
			n.names = append(n.names, nr.Name)
			n.refs[nr.Name] = nr.Reference
		}
		s.named[k] = n
	}
	return s, nil
}

// Package bbolt provides a hierarchical entity store on go.etcd.io/bbolt.
// Every entity is a bucket under "entities" holding its scalar fields as
// keys and one child bucket per section (properties, associations, many,
// named). Many and named associations are child buckets keyed by a
// big-endian position so their order survives storage.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/untillpro/goutils/logger"
	bolt "go.etcd.io/bbolt"

	"entitycore/internal/infra/persistence/document"
	"entitycore/pkg/domain"
)

// Compile-time contract assertion.
var _ document.MapStore = (*Store)(nil)

// DefaultPath is used when no path is configured.
const DefaultPath = "entitycore.bolt"

// ErrCorruptEntity reports an entity bucket missing required keys.
var ErrCorruptEntity = errors.New("corrupt entity bucket")

// Store implements document.MapStore over a bbolt file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating when missing) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entitiesBucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bbolt: %w", err)
	}
	return &Store{db: db}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.db.Path() }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Get reads one entity node tree.
func (s *Store) Get(ctx context.Context, ref domain.EntityReference) (*domain.EntityDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *domain.EntityDocument
	err := s.db.View(func(tx *bolt.Tx) error {
		node := tx.Bucket([]byte(entitiesBucketName)).Bucket([]byte(ref))
		if node == nil {
			return domain.EntityNotFoundError{Reference: ref}
		}
		var err error
		doc, err = readNode(ref, node)
		return err
	})
	if err != nil {
		return nil, domain.NewEntityStoreError("bbolt get", ref, err)
	}
	return doc, nil
}

// ApplyChanges checks and writes the batch inside one bbolt write
// transaction; any error rolls the whole batch back.
func (s *Store) ApplyChanges(ctx context.Context, changes []document.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(entitiesBucketName))
		err := document.CheckVersions(changes, func(ref domain.EntityReference) (domain.Version, bool, error) {
			node := root.Bucket([]byte(ref))
			if node == nil {
				return 0, false, nil
			}
			v, err := readVersion(node)
			return v, err == nil, err
		})
		if err != nil {
			return err
		}
		for _, c := range changes {
			if c.Kind != document.ChangeNew {
				if err := root.DeleteBucket([]byte(c.Reference)); err != nil {
					return fmt.Errorf("delete %s: %w", c.Reference, err)
				}
			}
			if c.Kind == document.ChangeRemove {
				continue
			}
			node, err := root.CreateBucket([]byte(c.Reference))
			if err != nil {
				return fmt.Errorf("create %s: %w", c.Reference, err)
			}
			if err := writeNode(node, c.Document); err != nil {
				return fmt.Errorf("write %s: %w", c.Reference, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.NewEntityStoreError("bbolt apply", "", err)
	}
	logger.Verbose("bbolt applied", len(changes), "changes")
	return nil
}

// Visit collects the references in one read transaction and loads each
// entity separately, so fn may use the store.
func (s *Store) Visit(ctx context.Context, fn func(*domain.EntityDocument) error) error {
	var refs []domain.EntityReference
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(entitiesBucketName)).ForEach(func(k, v []byte) error {
			if v == nil {
				refs = append(refs, domain.EntityReference(k))
			}
			return nil
		})
	})
	if err != nil {
		return domain.EntityStoreError{Op: "bbolt visit", Err: err}
	}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := s.Get(ctx, ref)
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func positionKey(i int) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(i))
}

func uint64Value(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func readVersion(node *bolt.Bucket) (domain.Version, error) {
	raw := node.Get([]byte(versionKey))
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: version", ErrCorruptEntity)
	}
	return domain.Version(binary.BigEndian.Uint64(raw)), nil
}

// encodeNamed packs a named binding as uvarint(len(name)) name reference.
func encodeNamed(nr domain.NamedReference) []byte {
	out := binary.AppendUvarint(nil, uint64(len(nr.Name)))
	out = append(out, nr.Name...)
	return append(out, nr.Reference...)
}

func decodeNamed(raw []byte) (domain.NamedReference, error) {
	n, size := binary.Uvarint(raw)
	if size <= 0 || uint64(len(raw)-size) < n {
		return domain.NamedReference{}, fmt.Errorf("%w: named binding", ErrCorruptEntity)
	}
	rest := raw[size:]
	return domain.NamedReference{Name: string(rest[:n]), Reference: domain.EntityReference(rest[n:])}, nil
}

func writeNode(node *bolt.Bucket, doc *domain.EntityDocument) error {
	scalars := map[string][]byte{
		typeKey:     []byte(doc.Type),
		versionKey:  uint64Value(uint64(doc.Version)),
		modifiedKey: uint64Value(uint64(doc.Modified)),
	}
	if doc.ApplicationVersion != "" {
		scalars[appVersionKey] = []byte(doc.ApplicationVersion)
	}
	for k, v := range scalars {
		if err := node.Put([]byte(k), v); err != nil {
			return err
		}
	}
	props, err := node.CreateBucket([]byte(propertiesBucketName))
	if err != nil {
		return err
	}
	for name, raw := range doc.Properties {
		if err := props.Put([]byte(name), raw); err != nil {
			return err
		}
	}
	assocs, err := node.CreateBucket([]byte(associationsBucketName))
	if err != nil {
		return err
	}
	for name, ref := range doc.Associations {
		var value []byte
		if ref != nil {
			value = []byte(*ref)
		} else {
			value = []byte{}
		}
		if err := assocs.Put([]byte(name), value); err != nil {
			return err
		}
	}
	many, err := node.CreateBucket([]byte(manyBucketName))
	if err != nil {
		return err
	}
	for name, refs := range doc.ManyAssociations {
		child, err := many.CreateBucket([]byte(name))
		if err != nil {
			return err
		}
		for i, ref := range refs {
			if err := child.Put(positionKey(i), []byte(ref)); err != nil {
				return err
			}
		}
	}
	named, err := node.CreateBucket([]byte(namedBucketName))
	if err != nil {
		return err
	}
	for name, entries := range doc.NamedAssociations {
		child, err := named.CreateBucket([]byte(name))
		if err != nil {
			return err
		}
		for i, nr := range entries {
			if err := child.Put(positionKey(i), encodeNamed(nr)); err != nil {
				return err
			}
		}
	}
	return nil
}

func readNode(ref domain.EntityReference, node *bolt.Bucket) (*domain.EntityDocument, error) {
	version, err := readVersion(node)
	if err != nil {
		return nil, err
	}
	modified := node.Get([]byte(modifiedKey))
	if len(modified) != 8 {
		return nil, fmt.Errorf("%w: modified", ErrCorruptEntity)
	}
	doc := &domain.EntityDocument{
		Reference:          ref,
		Type:               string(node.Get([]byte(typeKey))),
		Version:            version,
		Modified:           int64(binary.BigEndian.Uint64(modified)),
		ApplicationVersion: string(node.Get([]byte(appVersionKey))),
		Properties:         map[string]json.RawMessage{},
		Associations:       map[string]*domain.EntityReference{},
		ManyAssociations:   map[string][]domain.EntityReference{},
		NamedAssociations:  map[string]domain.NamedReferences{},
	}
	if b := node.Bucket([]byte(propertiesBucketName)); b != nil {
		err := b.ForEach(func(k, v []byte) error {
			doc.Properties[string(k)] = json.RawMessage(append([]byte(nil), v...))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if b := node.Bucket([]byte(associationsBucketName)); b != nil {
		err := b.ForEach(func(k, v []byte) error {
			if len(v) == 0 {
				doc.Associations[string(k)] = nil
				return nil
			}
			target := domain.EntityReference(v)
			doc.Associations[string(k)] = &target
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if b := node.Bucket([]byte(manyBucketName)); b != nil {
		err := b.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			refs := []domain.EntityReference{}
			err := b.Bucket(name).ForEach(func(_, v []byte) error {
				refs = append(refs, domain.EntityReference(v))
				return nil
			})
			doc.ManyAssociations[string(name)] = refs
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	if b := node.Bucket([]byte(namedBucketName)); b != nil {
		err := b.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			entries := domain.NamedReferences{}
			err := b.Bucket(name).ForEach(func(_, v []byte) error {
				nr, err := decodeNamed(v)
				if err != nil {
					return err
				}
				entries = append(entries, nr)
				return nil
			})
			doc.NamedAssociations[string(name)] = entries
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

package document

import (
	"context"
	"fmt"
	"strings"

	"entitycore/pkg/domain"
)

// Consistency states what a backend guarantees about reads after writes.
type Consistency int

const (
	// ConsistencyStrong backends always return the latest committed document.
	ConsistencyStrong Consistency = iota
	// ConsistencyEventual backends may serve stale documents for a while. The
	// store then tracks versions it committed itself and treats any older or
	// missing version as a conflict.
	ConsistencyEventual
)

func (c Consistency) String() string {
	if c == ConsistencyEventual {
		return "eventual"
	}
	return "strong"
}

// ParseConsistency reads "strong" or "eventual". Empty means strong.
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strong":
		return ConsistencyStrong, nil
	case "eventual":
		return ConsistencyEventual, nil
	default:
		return ConsistencyStrong, fmt.Errorf("unknown consistency %q", s)
	}
}

// Migrator rewrites a document written by another application version.
type Migrator interface {
	Migrate(ctx context.Context, doc *domain.EntityDocument, from, to string) error
}

// MigratorFunc adapts a function to Migrator.
type MigratorFunc func(ctx context.Context, doc *domain.EntityDocument, from, to string) error

func (f MigratorFunc) Migrate(ctx context.Context, doc *domain.EntityDocument, from, to string) error {
	return f(ctx, doc, from, to)
}

// Option configures a Store.
type Option func(*Store)

// WithName labels the store in logs.
func WithName(name string) Option {
	return func(s *Store) { s.name = name }
}

// WithCacheSize sets the number of documents kept in the read cache. Zero
// disables caching.
func WithCacheSize(size int) Option {
	return func(s *Store) { s.cacheSize = size }
}

// WithConsistency declares the backend's read consistency.
func WithConsistency(c Consistency) Option {
	return func(s *Store) { s.consistency = c }
}

// WithApplicationVersion stamps written documents and triggers migration of
// documents carrying another version.
func WithApplicationVersion(version string) Option {
	return func(s *Store) { s.appVersion = version }
}

// WithMigrator installs the migration hook.
func WithMigrator(m Migrator) Option {
	return func(s *Store) { s.migrator = m }
}

// WithIdentityGenerator sets the source of unit-of-work ids.
func WithIdentityGenerator(gen domain.IdentityGenerator) Option {
	return func(s *Store) {
		if gen != nil {
			s.ids = gen
		}
	}
}

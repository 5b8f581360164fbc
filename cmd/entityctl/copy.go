package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"entitycore/internal/core"
	"entitycore/pkg/domain"
)

type copier struct {
	factory *core.UnitOfWorkFactory
	batch   int
	pending []*domain.EntityState
	copied  int
}

func (c *copier) add(cmd *cobra.Command, st *domain.EntityState) error {
	c.pending = append(c.pending, st)
	if len(c.pending) < c.batch {
		return nil
	}
	return c.flush(cmd)
}

func (c *copier) flush(cmd *cobra.Command) error {
	if len(c.pending) == 0 {
		return nil
	}
	err := c.factory.RunInUnitOfWork(cmd.Context(), maintenance, func(ctx context.Context, uow *core.UnitOfWork) error {
		for _, src := range c.pending {
			dst, err := uow.NewEntity(ctx, src.Descriptor(), src.Reference())
			if err != nil {
				return err
			}
			if err := copyState(dst, src); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.copied += len(c.pending)
	c.pending = c.pending[:0]
	return nil
}

// copyState replays the properties and associations of src onto dst.
func copyState(dst, src *domain.EntityState) error {
	if v := src.ApplicationVersion(); v != "" {
		dst.SetApplicationVersion(v)
	}
	for _, name := range src.PropertyNames() {
		raw, _ := src.Property(name)
		if err := dst.SetProperty(name, json.RawMessage(raw)); err != nil {
			return err
		}
	}
	for _, name := range src.AssociationNames() {
		ref, _ := src.Association(name)
		if err := dst.SetAssociation(name, ref); err != nil {
			return err
		}
	}
	for _, name := range src.ManyAssociationNames() {
		many := dst.ManyAssociation(name)
		for i, ref := range src.ManyAssociation(name).References() {
			if _, err := many.Add(i, ref); err != nil {
				return err
			}
		}
	}
	for _, name := range src.NamedAssociationNames() {
		named := src.NamedAssociation(name)
		target := dst.NamedAssociation(name)
		for _, key := range named.NameList() {
			ref, _ := named.Get(key)
			if _, err := target.Put(key, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeDocument(w io.Writer, st *domain.EntityState) error {
	b, err := domain.EncodeDocument(domain.NewEntityDocument(st, st.Version(), st.LastModified()))
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

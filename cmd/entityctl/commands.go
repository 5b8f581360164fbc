package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/untillpro/goutils/logger"

	"entitycore/internal/core"
	"entitycore/pkg/domain"
)

var maintenance = domain.Usecase{Name: "entityctl", CacheOptions: domain.CacheNever}

const defaultCopyBatch = 100

func newCountCmd(params *cliParams) *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count stored entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := params.source().open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			n := 0
			err = store.VisitEntityStates(cmd.Context(), func(st *domain.EntityState) error {
				if entityType == "" || st.Descriptor().Type == entityType {
					n++
				}
				return nil
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "count only entities of this type")
	return cmd
}

func newDumpCmd(params *cliParams) *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write every stored entity as a JSON line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := params.source().open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			out := cmd.OutOrStdout()
			return store.VisitEntityStates(cmd.Context(), func(st *domain.EntityState) error {
				if entityType != "" && st.Descriptor().Type != entityType {
					return nil
				}
				return writeDocument(out, st)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "dump only entities of this type")
	return cmd
}

func newGetCmd(params *cliParams) *cobra.Command {
	return &cobra.Command{
		Use:   "get <reference>",
		Short: "Print one stored entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.NewEntityReference(args[0])
			if err != nil {
				return err
			}
			store, err := params.source().open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			uow, err := store.NewUnitOfWork(cmd.Context(), maintenance, time.Now().UTC())
			if err != nil {
				return err
			}
			st, err := store.EntityStateOf(cmd.Context(), uow, ref)
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), st)
		},
	}
}

func newCopyCmd(params *cliParams) *cobra.Command {
	var (
		to        target
		metrics   bool
		tracePath string
	)
	batch := defaultCopyBatch
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy every entity into another store",
		Long: "Copy reads every entity of the source store and creates it in the target store.\n" +
			"Entities are written in units of work of --batch entities. Copied entities start\n" +
			"again at version 1; an entity that already exists in the target stops the copy.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to.driver == "" {
				return errors.New("--to-driver is required")
			}
			if batch < 1 {
				return fmt.Errorf("--batch must be positive, got %d", batch)
			}
			ctx := cmd.Context()
			source, err := params.source().open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = source.Close() }()
			dest, err := to.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = dest.Close() }()

			obs, err := newObservers(metrics, tracePath)
			if err != nil {
				return err
			}
			defer func() { _ = obs.Close() }()
			factory := core.NewUnitOfWorkFactory(dest, obs.options()...)
			c := &copier{factory: factory, batch: batch}
			if err := source.VisitEntityStates(ctx, func(st *domain.EntityState) error {
				return c.add(cmd, st)
			}); err != nil {
				return err
			}
			if err := c.flush(cmd); err != nil {
				return err
			}
			logger.Info("entityctl: copied", c.copied, "entities from", source.Name(), "to", dest.Name())
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "copied %d entities\n", c.copied); err != nil {
				return err
			}
			return obs.report(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&to.driver, "to-driver", "", "storage driver of the target store")
	cmd.Flags().StringVar(&to.path, "to-path", "", "sqlite file, bbolt file or fs root of the target store")
	cmd.Flags().StringVar(&to.dsn, "to-dsn", "", "postgres DSN of the target store")
	cmd.Flags().IntVar(&batch, "batch", defaultCopyBatch, "entities per unit of work")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "print unit-of-work metrics in Prometheus text format after the copy")
	cmd.Flags().StringVar(&tracePath, "trace", "", "write one JSON line per unit of work to this file")
	return cmd
}

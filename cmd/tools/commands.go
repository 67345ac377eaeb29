package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lychee-technology/cardbase"
	"github.com/lychee-technology/cardbase/factory"
	"github.com/lychee-technology/cardbase/internal"
	"github.com/lychee-technology/cardbase/internal/schemasql"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newInitDBCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database, tables, indexes and materialized views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := factory.NewBackend(opts.config)
			if err != nil {
				return err
			}
			if err := backend.Connect(cmd.Context()); err != nil {
				return err
			}
			defer backend.Disconnect(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "database %s initialized\n", opts.config.Database.Database)
			return nil
		},
	}
}

type queryFlags struct {
	limit   int
	skip    int
	sortBy  []string
	sortDir string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.limit, "limit", -1, "maximum number of cards (default: query.defaultLimit)")
	cmd.Flags().IntVar(&f.skip, "skip", 0, "number of cards to skip")
	cmd.Flags().StringSliceVar(&f.sortBy, "sort-by", nil, "sort path, e.g. data,priority")
	cmd.Flags().StringVar(&f.sortDir, "sort-dir", "asc", "sort direction (asc|desc)")
}

func (f *queryFlags) options(cfg *cardbase.Config) (cardbase.QueryOptions, error) {
	raw := map[string]any{"skip": f.skip, "sortDir": f.sortDir}
	if f.limit >= 0 {
		raw["limit"] = f.limit
	}
	if len(f.sortBy) > 0 {
		raw["sortBy"] = f.sortBy
	}
	return cardbase.ParseQueryOptions(raw, cfg.Query.MaxLimit)
}

func newCompileCommand(opts *rootOptions) *cobra.Command {
	flags := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "compile <schema.json|->",
		Short: "Print the SQL a query schema compiles to",
		Long: `Compile a query schema without touching the database.

Example:
  cardbase-tools compile ./queries/open-orgs.json
  echo '{"properties":{"type":{"const":"org@1.0.0"}}}' | cardbase-tools compile -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := newSchemaReader().Read(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			qopts, err := flags.options(opts.config)
			if err != nil {
				return err
			}
			limit := opts.config.Query.DefaultLimit
			if qopts.Limit != nil {
				limit = *qopts.Limit
			}
			names := opts.config.Database.TableNames
			q, err := schemasql.Compile(names.Cards, schema, schemasql.Options{
				Limit:              limit,
				Skip:               qopts.Skip,
				SortBy:             qopts.SortBy,
				SortDir:            qopts.SortDir,
				MaxLimit:           opts.config.Query.MaxLimit,
				MaxLinkDepth:       opts.config.Query.MaxLinkDepth,
				LinksTable:         names.Links,
				OrgMembershipsView: names.OrgMemberships,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, q.SQL)
			for i, arg := range q.Args {
				fmt.Fprintf(out, "-- $%d = %#v\n", i+1, arg)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	flags := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query <schema.json|->",
		Short: "Run a query schema and print the matching cards as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := newSchemaReader().Read(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			qopts, err := flags.options(opts.config)
			if err != nil {
				return err
			}
			backend, err := factory.NewBackend(opts.config)
			if err != nil {
				return err
			}
			if err := backend.Connect(cmd.Context()); err != nil {
				return err
			}
			defer backend.Disconnect(cmd.Context())

			cards, err := backend.Query(cmd.Context(), schema, qopts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cards)
		},
	}
	flags.register(cmd)
	return cmd
}

func newTailCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <schema.json|->",
		Short: "Stream changes matching a query schema until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := newSchemaReader().Read(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			backend, err := factory.NewBackend(opts.config)
			if err != nil {
				return err
			}
			if err := backend.Connect(ctx); err != nil {
				return err
			}
			defer backend.Disconnect(context.WithoutCancel(ctx))

			stream, err := backend.Stream(ctx, schema)
			if err != nil {
				return err
			}
			defer stream.Close()
			zap.S().Infow("tailing changes", "stream", stream.ID())

			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev := range stream.Events() {
				switch ev.Type {
				case cardbase.StreamEventData:
					if err := enc.Encode(ev.Change); err != nil {
						return err
					}
				case cardbase.StreamEventError:
					zap.S().Warnw("stream error", "error", ev.Err)
				case cardbase.StreamEventClosed:
					return nil
				}
			}
			return nil
		},
	}
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the configured database is reachable and initialized",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := internal.CheckStore(cmd.Context(), opts.config.Database, timeout)
			if err != nil {
				return err
			}
			if !health.Ready() {
				return fmt.Errorf("postgres %s is missing %v, run init-db", health.ServerVersion, health.Missing())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok (postgres %s)\n", health.ServerVersion)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connection timeout")
	return cmd
}

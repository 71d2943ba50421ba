package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/settings"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

func (c *cli) sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sources", Short: "Manage monitored basins and their feeds"}
	cmd.AddCommand(c.sourcesListCmd(), c.sourcesEnableCmd(), c.sourcesDisableCmd(), c.sourcesDeleteCmd())
	return cmd
}

func (c *cli) sourcesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List basins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				srcs, err := st.ListSources(ctx)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(srcs)
				}
				tw := c.newTable("Basin", "Feeds", "Updated")
				for _, s := range srcs {
					kinds := make([]string, len(s.Kinds))
					for i, k := range s.Kinds {
						kinds[i] = string(k)
					}
					tw.AppendRow([]any{s.Basin, strings.Join(kinds, ","), s.UpdatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func parseKinds(args []string) ([]domain.SourceKind, error) {
	kinds := make([]domain.SourceKind, 0, len(args))
	for _, a := range args {
		k, err := domain.ParseSourceKind(a)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func (c *cli) sourcesEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <basin> <kind>...",
		Short: "Enable feeds for a basin, creating it if needed",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args[1:])
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				var src domain.Source
				for _, k := range kinds {
					if src, err = st.EnableSource(ctx, args[0], k); err != nil {
						return err
					}
				}
				if c.jsonOutput() {
					return c.printJSON(src)
				}
				c.printf("%s: %v\n", src.Basin, src.Kinds)
				return nil
			})
		},
	}
}

func (c *cli) sourcesDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <basin> <kind>",
		Short: "Disable a feed for a basin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseSourceKind(args[1])
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				src, err := st.DisableSource(ctx, args[0], kind)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(src)
				}
				c.printf("%s: %v\n", src.Basin, src.Kinds)
				return nil
			})
		},
	}
}

func (c *cli) sourcesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <basin>",
		Short: "Delete a basin that has no series or triggers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if err := st.DeleteSource(ctx, args[0]); err != nil {
					return err
				}
				c.printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) seriesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "series", Short: "Inspect synchronized series"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <basin>",
		Short: "List the series records of a basin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				recs, err := st.ListSeries(ctx, args[0])
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(recs)
				}
				tw := c.newTable("Feed", "Type", "Series", "Name", "Value", "Observed")
				for _, r := range recs {
					value := "-"
					if v, ok := r.Payload.Reading(); ok {
						value = v.String()
					}
					tw.AppendRow([]any{r.Source, r.Type, r.SeriesID, r.Payload.Name(), value, r.ObservedAt().Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <settings.yaml>",
		Short: "Validate a source settings file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			snap, err := settings.FromFile(args[0])
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(snap)
			}
			for _, b := range snap.BasinNames() {
				kinds := make([]string, 0, len(snap.Basins[b]))
				for _, k := range domain.SourceKinds {
					if p, ok := snap.Basins[b][k]; ok {
						kinds = append(kinds, fmt.Sprintf("%s(%d series)", k, len(p.Series)))
					}
				}
				c.printf("%s: %s\n", b, strings.Join(kinds, ", "))
			}
			c.printf("ok: %d basins\n", len(snap.Basins))
			return nil
		},
	}
}

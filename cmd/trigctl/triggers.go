package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

func (c *cli) triggersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "triggers", Short: "Manage trigger definitions"}
	cmd.AddCommand(c.triggersCreateCmd(), c.triggersListCmd(), c.triggersShowCmd(), c.triggersDeleteCmd(), c.triggersNotesCmd())
	return cmd
}

// readTriggerSpecs accepts a single definition or a list of them.
func readTriggerSpecs(path string) ([]domain.TriggerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var many []domain.TriggerSpec
	if err := yaml.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one domain.TriggerSpec
	if err := yaml.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []domain.TriggerSpec{one}, nil
}

func (c *cli) triggersCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create triggers from a YAML definition file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			specs, err := readTriggerSpecs(file)
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				created := make([]domain.Trigger, 0, len(specs))
				for _, spec := range specs {
					t, err := st.CreateTrigger(ctx, spec)
					if err != nil {
						return fmt.Errorf("trigger %q: %w", spec.Title, err)
					}
					created = append(created, t)
				}
				if c.jsonOutput() {
					return c.printJSON(created)
				}
				for _, t := range created {
					c.printf("created %s %s\n", t.ID, t.Title)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "trigger definition YAML")
	return cmd
}

func (c *cli) triggersListCmd() *cobra.Command {
	var (
		f      store.TriggerFilter
		states []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.States = f.States[:0]
			for _, s := range states {
				f.States = append(f.States, domain.TriggerState(s))
			}
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				triggers, err := st.ListTriggers(ctx, f)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(triggers)
				}
				tw := c.newTable("ID", "Basin", "Title", "State", "Bucket", "Mandatory", "Tx")
				for _, t := range triggers {
					title := t.Title
					if t.IsDeleted {
						title += " (deleted)"
					}
					tw.AppendRow([]any{t.ID, t.Basin, title, t.State, t.Bucket, t.IsMandatory, t.TxRef})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Basin, "basin", "", "basin filter")
	cmd.Flags().StringSliceVar(&states, "state", nil, "state filter (repeatable)")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "deleted", false, "include soft-deleted triggers")
	return cmd
}

func (c *cli) triggersShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a trigger with its activations and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				t, err := st.GetTrigger(ctx, args[0])
				if err != nil {
					return err
				}
				acts, err := st.ListActivations(ctx, store.ActivationFilter{TriggerID: t.ID})
				if err != nil {
					return err
				}
				events, err := st.ListEvents(ctx, t.ID)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(map[string]any{"trigger": t, "activations": acts, "events": events})
				}
				c.printf("%s  %s\n", t.ID, t.Title)
				c.printf("basin=%s repeat=%s/%s state=%s bucket=%s\n", t.Basin, t.RepeatKey, t.RepeatEvery, t.State, t.Bucket)
				c.printf("statement: %s\n", t.Statement)
				if t.LastError != "" {
					c.printf("last error: %s (anchor attempts %d)\n", t.LastError, t.AnchorAttempts)
				}
				tw := c.newTable("Activation", "Bucket", "Status", "Actor", "Fired", "Tx")
				for _, a := range acts {
					tw.AppendRow([]any{a.ID, a.Bucket, a.Status, a.Actor, a.FiredAt.Format("2006-01-02 15:04"), a.TxRef})
				}
				tw.Render()
				et := c.newTable("At", "Event", "From", "To", "Actor")
				for _, e := range events {
					et.AppendRow([]any{e.At.Format("2006-01-02 15:04:05"), e.Type, e.From, e.To, e.Actor})
				}
				et.Render()
				return nil
			})
		},
	}
}

func (c *cli) triggersDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if err := st.SoftDeleteTrigger(ctx, args[0], c.v.GetString("actor-id")); err != nil {
					return err
				}
				c.printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) triggersNotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notes <id> <text>",
		Short: "Replace the operator notes of a trigger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				t, err := st.UpdateTriggerNotes(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(t)
				}
				c.printf("updated %s\n", t.ID)
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	kafkaadapter "github.com/couchcryptid/flood-trigger-service/internal/adapter/kafka"
	"github.com/couchcryptid/flood-trigger-service/internal/adapter/ledger"
	"github.com/couchcryptid/flood-trigger-service/internal/config"
	"github.com/couchcryptid/flood-trigger-service/internal/domain"
	"github.com/couchcryptid/flood-trigger-service/internal/observability"
	"github.com/couchcryptid/flood-trigger-service/internal/pipeline"
	"github.com/couchcryptid/flood-trigger-service/internal/stats"
	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

// parseDocuments reads name=url pairs.
func parseDocuments(raw []string) ([]domain.Document, error) {
	docs := make([]domain.Document, 0, len(raw))
	for _, r := range raw {
		name, url, ok := strings.Cut(r, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid --doc %q: want name=url", r)
		}
		docs = append(docs, domain.Document{Name: name, URL: url})
	}
	return docs, nil
}

// errLedgerBusy reports that a running triggerd owns the file ledger.
var errLedgerBusy = errors.New("the file ledger is held by a running triggerd; its reconciler anchors pending activations")

// withAnchor opens the configured ledger and builds an anchor on it. When a
// running triggerd holds the file ledger, fn gets a nil anchor if
// allowBusy is set and errLedgerBusy is returned otherwise.
func (c *cli) withAnchor(ctx context.Context, cfg *config.Config, st *store.Store, metrics *observability.Metrics,
	allowBusy bool, fn func(*pipeline.Anchor) error) error {
	logger := c.logger()
	l, err := ledger.Open(cfg, c.clock, logger)
	if errors.Is(err, ledger.ErrLocked) {
		if !allowBusy {
			return fmt.Errorf("%w (%w)", errLedgerBusy, err)
		}
		logger.Info("file ledger busy, dispatching only", "path", cfg.LedgerFile)
		return fn(nil)
	}
	if err != nil {
		return err
	}
	defer l.Close()
	anchor := pipeline.NewAnchor(st, l, c.clock, logger, metrics, pipeline.AnchorOptions{
		Timeout:     cfg.LedgerTimeout,
		MaxAttempts: cfg.LedgerMaxAttempts,
		BaseBackoff: cfg.LedgerBaseBackoff,
	})
	return fn(anchor)
}

func (c *cli) activateCmd() *cobra.Command {
	var (
		rawDocs []string
		notes   string
	)
	cmd := &cobra.Command{
		Use:   "activate <trigger-id>",
		Short: "Activate a trigger manually for the current cadence bucket",
		Long: `Activate publishes an activation for the trigger's current cadence bucket and
anchors it on the ledger. Activating a trigger that already has a live
activation in the bucket is a no-op. Queue and ledger settings are read from
the same environment variables as triggerd. While triggerd holds the file
ledger the activation is only dispatched and triggerd's reconciler anchors it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := parseDocuments(rawDocs)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := c.logger()
			metrics := observability.NewMetricsWith(prometheus.NewRegistry())
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				return c.withAnchor(ctx, cfg, st, metrics, true, func(anchor *pipeline.Anchor) error {
					publisher := kafkaadapter.NewPublisher(cfg, logger)
					defer publisher.Close()
					d := pipeline.NewDispatcher(st, publisher, anchor, c.clock, logger, metrics, pipeline.DispatcherOptions{
						MaxAttempts: cfg.DispatchMaxAttempts,
					})

					rec, created, err := d.ActivateManually(ctx, args[0], c.v.GetString("actor-id"), docs, notes)
					if err != nil {
						return err
					}
					if created && anchor == nil && !c.jsonOutput() {
						c.printf("activated %s in %s: %s; anchoring left to triggerd\n", rec.TriggerID, rec.Bucket, rec.ID)
						return nil
					}
					if created && anchor != nil {
						if rec, err = anchor.AnchorActivation(ctx, rec.ID); err != nil {
							c.printf("activation %s dispatched; anchoring failed, reconcile later: %v\n", rec.ID, err)
							return nil
						}
					}
					if c.jsonOutput() {
						return c.printJSON(map[string]any{"created": created, "activation": rec})
					}
					if !created {
						c.printf("already activated in %s: %s (%s)\n", rec.Bucket, rec.ID, rec.Status)
						return nil
					}
					c.printf("activated %s in %s: %s tx=%s\n", rec.TriggerID, rec.Bucket, rec.ID, rec.TxRef)
					return nil
				})
			})
		},
	}
	cmd.Flags().StringArrayVar(&rawDocs, "doc", nil, "supporting document as name=url (repeatable)")
	cmd.Flags().StringVar(&notes, "notes", "", "activation notes")
	return cmd
}

func (c *cli) reconcileCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-anchor activations whose ledger write did not complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			metrics := observability.NewMetricsWith(prometheus.NewRegistry())
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				return c.withAnchor(ctx, cfg, st, metrics, false, func(anchor *pipeline.Anchor) error {
					res, err := pipeline.NewReconciler(st, anchor, c.clock, c.logger(), grace).Reconcile(ctx)
					if c.jsonOutput() {
						if perr := c.printJSON(res); perr != nil {
							return perr
						}
						return err
					}
					c.printf("checked %d, anchored %d, failed %d\n", res.Checked, res.Anchored, res.Failed)
					return err
				})
			})
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", time.Minute, "skip dispatched activations updated within this window")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show activation totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				snap, err := stats.NewAggregator(st, nil, c.clock.Now).Snapshot(ctx)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(snap)
				}
				c.printf("activations: %d (anchored ratio %.2f)\n", snap.Activations, snap.AnchoredRatio)
				if !snap.LastActivationAt.IsZero() {
					c.printf("last activation: %s\n", snap.LastActivationAt.Format(time.RFC3339))
				}
				at := c.newTable("Status", "Count")
				for _, s := range domain.ActivationStatuses {
					at.AppendRow([]any{s, snap.ByStatus[s]})
				}
				at.Render()
				bt := c.newTable("Basin", "Activations", "Anchored")
				for _, b := range snap.ByBasin {
					bt.AppendRow([]any{b.Basin, b.Total, b.Anchored})
				}
				bt.Render()
				tt := c.newTable("Trigger state", "Count")
				for _, s := range domain.TriggerStates {
					tt.AppendRow([]any{s, snap.TriggersByState[s]})
				}
				tt.Render()
				return nil
			})
		},
	}
}

func (c *cli) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Inspect the file ledger"}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <ledger.jsonl>",
		Short: "Check every block's hash and chain link",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			n, err := ledger.VerifyFile(args[0])
			if err != nil {
				return fmt.Errorf("ledger verification failed: %w", err)
			}
			c.printf("ok: %d blocks\n", n)
			return nil
		},
	})
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/couchcryptid/flood-trigger-service/internal/store"
)

// cli carries what every subcommand shares: resolved flags and the output
// stream.
type cli struct {
	v     *viper.Viper
	out   io.Writer
	clock clockwork.Clock
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out, clock: clockwork.NewRealClock()}
	root := &cobra.Command{
		Use:   "trigctl",
		Short: "Operate the flood trigger service",
		Long: `trigctl manages monitored basins, trigger definitions and activations in the
trigger database shared with triggerd.

- sources:  enable or disable data feeds per basin
- series:   inspect synchronized observations
- triggers: create, inspect and soft-delete trigger definitions
- activate: fire a trigger manually for the current cadence bucket
- reconcile: re-anchor activations whose ledger write did not complete
- stats:    activation totals`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.String("db", "data/triggers.db", "trigger database path")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "trigctl", "operator identifier recorded on manual actions")
	flags.String("log-level", "warn", "log level")
	for _, name := range []string{"db", "json", "actor-id", "log-level"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}
	_ = c.v.BindEnv("db", "DATABASE_PATH")
	_ = c.v.BindEnv("log-level", "LOG_LEVEL")
	c.v.SetEnvPrefix("TRIGCTL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(
		c.sourcesCmd(),
		c.seriesCmd(),
		c.triggersCmd(),
		c.activateCmd(),
		c.reconcileCmd(),
		c.statsCmd(),
		c.validateCmd(),
		c.ledgerCmd(),
	)
	return root
}

func (c *cli) logger() *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.v.GetString("log-level"))); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func (c *cli) withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	st, err := store.Open(ctx, c.v.GetString("db"), c.clock)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func (c *cli) jsonOutput() bool { return c.v.GetBool("json") }

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(c.out)
	tw.AppendHeader(table.Row(header))
	return tw
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

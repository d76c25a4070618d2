package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/varmuus/internal/emitter"
	"github.com/yairfalse/varmuus/internal/store"
	"github.com/yairfalse/varmuus/pkg/report"
)

type historyOptions struct {
	db     string
	limit  int
	format string
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	opts := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored scan reports",
		Long: `Inspect the reports kept by 'varmuus scan --history'.

The database path comes from --db or from output.history in the
config file.`,
	}
	cmd.PersistentFlags().StringVar(&opts.db, "db", "", "History database path")

	// open resolves the database path and opens the store.
	open := func() (*store.Store, error) {
		path := opts.db
		if path == "" {
			cfg, err := root.loadConfig()
			if err != nil {
				return nil, err
			}
			path = cfg.Output.History
		}
		if path == "" {
			return nil, errors.New("no history database: set --db or output.history")
		}
		if err := setupLogging("warn", root.debug); err != nil {
			return nil, err
		}
		return store.Open(path)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			entries, err := s.List(opts.limit)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	list.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Maximum runs to list (0 = all)")

	show := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Print a stored report (default: the latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var r *report.Report
			if len(args) == 1 {
				r, err = s.Get(args[0])
			} else {
				r, err = s.Latest()
			}
			if err != nil {
				return err
			}

			data, err := emitter.Encode(r, opts.format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().StringVarP(&opts.format, "format", "f", emitter.FormatJSON, "Output format: json, yaml")

	diff := &cobra.Command{
		Use:   "diff [from-run-id to-run-id]",
		Short: "Show findings that appeared or were resolved between two runs",
		Long: `Compare the findings of two stored runs. Without arguments the
latest run is compared with the one before it.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("accepts 0 or 2 run ids, received %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var from, to *report.Report
			if len(args) == 2 {
				if from, err = s.Get(args[0]); err != nil {
					return err
				}
				if to, err = s.Get(args[1]); err != nil {
					return err
				}
			} else {
				if to, err = s.Latest(); err != nil {
					return err
				}
				if from, err = s.Previous(); err != nil {
					return fmt.Errorf("need two stored runs to diff: %w", err)
				}
			}

			printDiff(cmd.OutOrStdout(), from, to, report.DiffFindings(from, to))
			return nil
		},
	}

	cmd.AddCommand(list, show, diff)
	return cmd
}

func printEntries(w io.Writer, entries []store.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tGENERATED\tSTATUS\tREGIONS\tRESOURCES\tFINDINGS\tFAILED UNITS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			e.RunID,
			e.GeneratedAt.UTC().Format(time.RFC3339),
			e.Status,
			e.Regions,
			e.Resources,
			e.Findings,
			e.FailedUnits,
		)
	}
	return tw.Flush()
}

func printDiff(w io.Writer, from, to *report.Report, d report.FindingsDiff) {
	fmt.Fprintf(w, "%s -> %s\n", from.RunID, to.RunID)
	if d.Empty() {
		fmt.Fprintln(w, "no changes")
		return
	}
	for _, f := range d.New {
		fmt.Fprintf(w, "+ %s %s %s/%s %s\n", f.Severity, f.Rule, f.Service, f.Region, f.ResourceID)
	}
	for _, f := range d.Resolved {
		fmt.Fprintf(w, "- %s %s %s/%s %s\n", f.Severity, f.Rule, f.Service, f.Region, f.ResourceID)
	}
	fmt.Fprintf(w, "%d new, %d resolved\n", len(d.New), len(d.Resolved))
}

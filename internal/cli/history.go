package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/roomcheck/internal/store"
	"github.com/roach88/roomcheck/internal/verify"
)

var errNoDatabase = errors.New("no database: pass --db or set ROOMCHECK_DB")

// HistoryOptions holds flags for the history commands.
type HistoryOptions struct {
	*RootOptions
	ConfigPath string
	Database   string
	Scenario   string
	Limit      int

	// Environ replaces the process environment (for testing).
	Environ map[string]string
}

// HistoryList is the JSON payload of the history command.
type HistoryList struct {
	Runs       []store.RunSummary      `json:"runs"`
	Violations map[verify.Category]int `json:"violations"`
}

// NewHistoryCommand creates the history command and its show subcommand.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return newHistoryCommand(&HistoryOptions{RootOptions: rootOpts})
}

func newHistoryCommand(opts *HistoryOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List runs recorded by "roomcheck run --db", newest first, with
violation totals per category.

Examples:
  roomcheck history --db ./history.db
  roomcheck history --db ./history.db --scenario basic_exchange --limit 5
  roomcheck history show 3f2a --db ./history.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryList(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite file holding run history")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (for its db setting)")
	cmd.Flags().StringVar(&opts.Scenario, "scenario", "", "only list runs of this scenario")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs to list (0 for all)")

	cmd.AddCommand(&cobra.Command{
		Use:           "show <run-id>",
		Short:         "Show the report of a recorded run",
		Long:          "Show the full report of a recorded run. A unique prefix of the run ID is enough.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(cmd, opts, args[0])
		},
	})

	return cmd
}

// openHistory opens the database named by --db, or by the config and
// environment when the flag is absent.
func openHistory(opts *HistoryOptions) (*store.Store, error) {
	path := opts.Database
	if path == "" {
		cfg, err := loadConfig(opts.ConfigPath, opts.Environ)
		if err != nil {
			return nil, err
		}
		path = cfg.DB
	}
	if path == "" {
		return nil, errNoDatabase
	}
	return store.Open(path)
}

func runHistoryList(cmd *cobra.Command, opts *HistoryOptions) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	st, err := openHistory(opts)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, "run history unavailable", err)
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, store.ListFilter{Scenario: opts.Scenario, Limit: opts.Limit})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, "failed to list runs", err)
	}
	counts, err := st.CategoryCounts(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, "failed to count violations", err)
	}

	if formatter.JSON() {
		return formatter.Success(HistoryList{Runs: runs, Violations: counts})
	}
	writeHistoryText(formatter.Writer, runs, counts)
	return nil
}

func writeHistoryText(w io.Writer, runs []store.RunSummary, counts map[verify.Category]int) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, r := range runs {
		mark := "✓"
		if !r.Pass {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s  %s  %s  %s  sends %d, deliveries %d, violations %d, faults %d\n",
			mark, shortID(r.ID), r.Started.Local().Format(time.DateTime), r.Duration.Round(time.Millisecond),
			r.Scenario, r.Sends, r.Deliveries, r.Violations, r.Faults)
	}

	if len(counts) == 0 {
		return
	}
	categories := make([]string, 0, len(counts))
	for c := range counts {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)
	fmt.Fprintln(w)
	fmt.Fprint(w, "Violations across all runs:")
	for _, c := range categories {
		fmt.Fprintf(w, " %s %d", c, counts[verify.Category(c)])
	}
	fmt.Fprintln(w)
}

func runHistoryShow(cmd *cobra.Command, opts *HistoryOptions, id string) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := openHistory(opts)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, "run history unavailable", err)
	}
	defer st.Close()

	run, err := st.GetRun(commandContext(cmd), id)
	if errors.Is(err, store.ErrRunNotFound) {
		return formatter.Fail(ExitCommandError, ErrCodeRunNotFound, fmt.Sprintf("no run matches %q", id), nil)
	}
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeHistory, "failed to read run", err)
	}

	if formatter.JSON() {
		return formatter.Success(ScenarioResult{
			Name:   run.Scenario,
			Pass:   run.Pass(),
			RunID:  run.ID,
			Report: run.Report,
			Errors: run.Errors,
		})
	}

	w := formatter.Writer
	fmt.Fprintf(w, "run %s  %s  %s\n", run.ID, run.Started.Local().Format(time.DateTime), run.Duration.Round(time.Millisecond))
	if err := verify.WriteText(w, run.Report); err != nil {
		return err
	}
	for _, e := range run.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
